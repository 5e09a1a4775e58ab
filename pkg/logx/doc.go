// Package logx is akari's structured logger: a thin layer over zerolog whose
// loggers follow a Service, so level and sinks can change on config reload
// without handing out new loggers.
//
// Console output is human-readable with a short file:line caller; the file
// sink writes JSON lines.
package logx
