package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, p string, mt time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mt, mt); err != nil {
		t.Fatal(err)
	}
}

func chtimesDir(t *testing.T, p string, mt time.Time) {
	t.Helper()
	if err := os.Chtimes(p, mt, mt); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_RemovesOnlyExpiredSessions(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-3 * time.Hour)

	// Expired: everything old.
	touch(t, filepath.Join(root, "pending", "old_session_1", "000000.part"), old)
	chtimesDir(t, filepath.Join(root, "pending", "old_session_1"), old)

	// Kept: directory old but one nested file is fresh.
	touch(t, filepath.Join(root, "completed", "mixed_session", "sub", "a.csv"), now.Add(-time.Minute))
	chtimesDir(t, filepath.Join(root, "completed", "mixed_session", "sub"), old)
	chtimesDir(t, filepath.Join(root, "completed", "mixed_session"), old)

	// Expired in the completed group.
	touch(t, filepath.Join(root, "completed", "old_session_2", "f.xlsx"), old)
	chtimesDir(t, filepath.Join(root, "completed", "old_session_2"), old)

	s := NewSweeper(root, time.Hour, nil)
	s.now = func() time.Time { return now }

	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Removed["pending"] != 1 || rep.Removed["completed"] != 1 {
		t.Fatalf("removed=%v", rep.Removed)
	}
	if rep.Scanned["completed"] != 2 {
		t.Fatalf("scanned=%v", rep.Scanned)
	}

	for _, gone := range []string{"pending/old_session_1", "completed/old_session_2"} {
		if _, err := os.Stat(filepath.Join(root, gone)); !os.IsNotExist(err) {
			t.Fatalf("%s not removed", gone)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "completed", "mixed_session")); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
}

func TestSweep_DisabledAndMissingGroups(t *testing.T) {
	root := t.TempDir()

	s := NewSweeper(root, 0, nil)
	rep, err := s.Sweep(context.Background())
	if err != nil || len(rep.Removed) != 0 {
		t.Fatalf("ttl=0: rep=%v err=%v", rep, err)
	}

	s.TTL = time.Minute
	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("missing groups: %v", err)
	}
}

func TestLastModified_NoInfoForMissingDir(t *testing.T) {
	if _, ok := lastModified(filepath.Join(t.TempDir(), "nope")); ok {
		t.Fatalf("ok=true for missing dir")
	}
}
