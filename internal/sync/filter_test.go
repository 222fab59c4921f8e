package sync

import (
	"log/slog"
	"os"
	"testing"

	"github.com/protonsync/protondrive-sync/internal/config"
)

func newTestExcluder(t *testing.T, entries []config.ExcludeEntry) *Excluder {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return NewExcluder(entries, logger)
}

func TestExcluderMatchesBasenameGlob(t *testing.T) {
	t.Parallel()

	x := newTestExcluder(t, []config.ExcludeEntry{
		{Path: "/home/user/docs", Globs: []string{"*.tmp", "~*"}},
	})

	cases := []struct {
		relPath string
		want    bool
	}{
		{"notes.tmp", true},
		{"nested/deep/file.tmp", true},
		{"~lockfile", true},
		{"notes.md", false},
	}

	for _, c := range cases {
		if got := x.Excluded("/home/user/docs", c.relPath); got != c.want {
			t.Errorf("Excluded(%q) = %v, want %v", c.relPath, got, c.want)
		}
	}
}

func TestExcluderScopedPerRoot(t *testing.T) {
	t.Parallel()

	x := newTestExcluder(t, []config.ExcludeEntry{
		{Path: "/home/user/docs", Globs: []string{"*.tmp"}},
	})

	if x.Excluded("/home/user/other", "notes.tmp") {
		t.Error("Excluded should not apply patterns from a different watch root")
	}
}

func TestExcluderNoPatterns(t *testing.T) {
	t.Parallel()

	x := newTestExcluder(t, nil)

	if x.Excluded("/home/user/docs", "anything") {
		t.Error("Excluded with no patterns should never match")
	}
}
