// Package log provides structured logging for BOS built on zerolog.
//
// All BOS processes log through a single global logger configured at startup.
// Subsystems derive child loggers with WithComponent or WithOperator so every
// line carries its origin. The level can be raised or lowered at runtime from
// the stored options record.
package log
