// Package logx is the agent's structured logger, a thin layer over zerolog.
//
// Components derive their logger with With(logx.String("comp", ...)) once at
// construction. Loggers obtained from a Service follow Service.Apply, so a
// config reload changes level and sinks without rebuilding components.
// Console output is human readable; the optional file sink is JSON.
package logx
