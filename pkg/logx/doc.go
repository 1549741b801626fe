// Package logx is the structured logger shared by jobflow's processors,
// channel adapters and HTTP services. It wraps zerolog: console output for
// humans, JSON lines for the log file, and a Service whose level and sinks
// follow config reloads.
package logx
