// Package progress carries audit lifecycle events from the orchestrator to
// pluggable sinks. A Hub buffers events on a background goroutine and flushes
// them in batches so emitters never wait on logging, metrics or notifications.
package progress
