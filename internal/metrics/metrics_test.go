package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"https url", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	if tasksDequeuedTotal == nil || queueErrorsTotal == nil || activeWorkers == nil {
		t.Fatal("Init() did not initialize collectors")
	}

	before := testutil.ToFloat64(queueErrorsTotal.WithLabelValues("enqueue"))
	ObserveQueueError("enqueue")
	if got := testutil.ToFloat64(queueErrorsTotal.WithLabelValues("enqueue")); got != before+1 {
		t.Errorf("queue errors = %f; want %f", got, before+1)
	}

	SetQueueDepth(3, 1)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("ready")); got != 3 {
		t.Errorf("ready depth = %f; want 3", got)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("claimed")); got != 1 {
		t.Errorf("claimed depth = %f; want 1", got)
	}

	ObserveStage("crawl", "success", 2*time.Second)
	if n := testutil.CollectAndCount(stageDurationSeconds); n == 0 {
		t.Error("expected stage duration observations")
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
