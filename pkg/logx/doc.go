// Package logx is feederd's structured logging layer: a thin wrapper over
// zerolog that keeps console output readable (short timestamps, file:line
// callers), keeps the file sink JSON-structured, and lets a config reload
// swap levels and sinks without restarting loggers already handed out.
package logx
