package log

import "github.com/robfig/cron/v3"

// cronLogger routes robfig/cron's scheduler messages through this package.
type cronLogger struct{}

// CronLogger returns a cron.Logger backed by the package logger. Cron's
// chatty info messages (schedule, wake, run) go to debug level.
func CronLogger() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	Error("cron: "+msg, err, keysAndValues...)
}
