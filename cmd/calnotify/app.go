package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"calnotify/internal/checker"
	"calnotify/internal/config"
	"calnotify/internal/gcal"
	"calnotify/internal/health"
	"calnotify/internal/ics"
	appLog "calnotify/internal/log"
	"calnotify/internal/metrics"
	"calnotify/internal/sink"
	"calnotify/internal/state"
	"calnotify/internal/tracker"
	"calnotify/internal/web"
)

type app struct {
	store   state.Store
	pub     *redis.Client
	runner  *checker.Runner
	monitor *health.Monitor
	metrics *metrics.Metrics
}

func (a *app) Close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			appLog.Error("failed to close redis publisher", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			appLog.Error("failed to close state store", err)
		}
	}
}

// buildApp opens the state store and builds one checker per calendar.
// In dry-run mode only the log sink is used and nothing is saved.
func buildApp(ctx context.Context, conf *config.Config, dryRun bool) (*app, error) {
	store, err := state.Open(ctx, conf.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a := &app{
		store:   store,
		monitor: health.NewMonitor(),
		metrics: metrics.New(),
	}

	if !dryRun && conf.Sinks.RedisChannel != "" {
		a.pub, err = openPublisher(conf)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	calendars := make([]*checker.Calendar, 0, len(conf.Calendars))
	for _, cc := range conf.Calendars {
		fetcher, err := buildFetcher(ctx, conf, cc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("calendar %s: %w", cc.Name, err)
		}
		calendars = append(calendars, checker.NewCalendar(cc, fetcher, buildSink(conf, cc.Name, a.pub, dryRun), store,
			checker.WithMonitor(a.monitor),
			checker.WithMetrics(a.metrics),
			checker.WithFetchTimeout(conf.FetchTimeout),
			checker.WithDryRun(dryRun),
			checker.WithDebug(conf.Debug),
		))
	}
	a.runner = checker.NewRunner(store, calendars...)
	return a, nil
}

// webOptions hooks the state store's health check into /api/status when the
// backend supports one.
func webOptions(a *app) []web.Option {
	var opts []web.Option
	if hc, ok := a.store.(state.HealthChecker); ok {
		opts = append(opts, web.WithStateCheck(hc.HealthCheck))
	}
	return opts
}

func openPublisher(conf *config.Config) (*redis.Client, error) {
	url := conf.Sinks.RedisURL
	if url == "" {
		url = conf.State.RedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid sink redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildSink(conf *config.Config, calendar string, pub *redis.Client, dryRun bool) tracker.Sink {
	if dryRun {
		return sink.Log{Calendar: calendar}
	}
	var sinks sink.Multi
	if conf.Sinks.Log {
		sinks = append(sinks, sink.Log{Calendar: calendar})
	}
	if conf.Sinks.WebhookURL != "" {
		sinks = append(sinks, sink.NewWebhook(conf.Sinks.WebhookURL, nil))
	}
	if pub != nil {
		sinks = append(sinks, sink.NewRedisPublisher(pub, conf.Sinks.RedisChannel))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}

func buildFetcher(ctx context.Context, conf *config.Config, cc config.CalendarConfig) (checker.Fetcher, error) {
	switch cc.Provider {
	case config.ProviderGoogle:
		creds, err := cc.CredentialsJSON()
		if err != nil {
			return nil, err
		}
		return gcal.NewFetcher(ctx, creds,
			gcal.WithMaxResults(cc.MaxResults),
			gcal.WithName(cc.Name),
		)
	case config.ProviderICS:
		loc, err := conf.Location()
		if err != nil {
			return nil, err
		}
		return ics.NewFetcher(conf.ICSCacheDir,
			ics.WithMaxResults(cc.MaxResults),
			ics.WithName(cc.Name),
			ics.WithLocation(loc),
		), nil
	default:
		return nil, errors.New("unknown provider " + cc.Provider)
	}
}
