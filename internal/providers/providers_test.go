package providers

import (
	"io"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Output: io.Discard,
		Level:  "error",
	})
}

// collectEvents drains a backend stream until it closes.
func collectEvents(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var events []stream.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream to close, got %d events", len(events))
		}
	}
}

func eventKinds(events []stream.Event) []stream.Kind {
	kinds := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestForSpec(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantName string
		wantErr  bool
	}{
		{"openai", "openai", "openai", false},
		{"anthropic", "anthropic", "anthropic", false},
		{"unknown provider", "cohere", "", true},
		{"empty provider", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := registry.Spec{
				ID:       "test-model",
				Provider: tt.provider,
				Model:    "upstream-model",
				APIKey:   "test-key",
			}
			backend, err := ForSpec(spec, testLogger(), nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ForSpec() error = %v", err)
			}
			if backend.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", backend.Name(), tt.wantName)
			}
		})
	}
}
