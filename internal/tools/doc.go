// Package tools derives the fixed capability table a session exposes to the
// language model. Every tool is bound to one wallet agent; failures are
// returned as JSON error observations instead of Go errors so the model can
// react to them.
package tools
