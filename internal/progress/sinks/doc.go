// Package sinks holds progress.Sink implementations for logging, Prometheus
// and outbound lifecycle notifications.
package sinks
