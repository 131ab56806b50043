// Package logx is notifyd's structured logger, a thin value-type wrapper over zerolog.
//
// The zero Logger discards everything. Loggers derived from a Service follow its
// level and sinks across Service.Apply, so a config reload reaches every component
// without rebuilding them.
package logx
