package log

import "context"

// nop discards everything. FromContext falls back to it, and tests use it
// wherever a component demands a Logger but the output is irrelevant.
type nop struct{}

func (nop) With(...any) Logger { return nop{} }

func (nop) Debug(context.Context, string, ...any) {}

func (nop) Info(context.Context, string, ...any) {}

func (nop) Warn(context.Context, string, ...any) {}

func (nop) Error(context.Context, error, string, ...any) {}

func (nop) Sync() error { return nil }

// Nop returns the no-op Logger.
func Nop() Logger { return nop{} }
