package sync

import (
	"context"
	"log/slog"
	"testing"
)

// testWriter routes slog output through t.Log so failures show the log
// stream that led to them in the test's own output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger builds a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestStore builds a fresh in-memory SQLiteStore, closed automatically
// via t.Cleanup.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(context.Background(), ":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	return store
}
