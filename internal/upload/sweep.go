package upload

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cobranza/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one sweep, per group.
type SweepReport struct {
	Scanned map[string]int
	Removed map[string]int
}

// Sweeper reclaims abandoned sessions in the pending and completed groups.
type Sweeper struct {
	Root   string
	TTL    time.Duration
	Logger Logger
	Job    string

	// now is a test seam.
	now func() time.Time
}

// NewSweeper returns a sweeper over root that removes sessions untouched for
// longer than ttl.
func NewSweeper(root string, ttl time.Duration, logger Logger) *Sweeper {
	return &Sweeper{Root: root, TTL: ttl, Logger: logger}
}

func (s *Sweeper) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func (s *Sweeper) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Sweep deletes every session directory whose most recent modification time
// (directory entry, files and subdirectories) is older than TTL. Groups are
// swept concurrently.
//
// Edge cases:
//   - TTL <= 0 disables the sweep.
//   - A missing group directory is not an error.
//   - A session whose timestamps cannot be read is kept.
//
// Errors:
//   - Only a context cancellation is returned; delete failures are logged.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Scanned: map[string]int{}, Removed: map[string]int{}}
	if s.TTL <= 0 {
		return rep, nil
	}
	threshold := s.clock().Add(-s.TTL)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range []string{PendingGroup, CompletedGroup} {
		group := group
		g.Go(func() error {
			scanned, removed, err := s.sweepGroup(gctx, group, threshold)
			mu.Lock()
			rep.Scanned[group] = scanned
			rep.Removed[group] = removed
			mu.Unlock()
			metrics.RecordSweep(s.job(), group, removed)
			return err
		})
	}
	err := g.Wait()
	return rep, err
}

func (s *Sweeper) job() string {
	if s.Job == "" {
		return "cobranza"
	}
	return s.Job
}

func (s *Sweeper) sweepGroup(ctx context.Context, group string, threshold time.Time) (scanned, removed int, err error) {
	base := filepath.Join(s.Root, group)
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logf("stage=sweep group=%s warn=unreadable err=%v", group, err)
		}
		return 0, 0, nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return scanned, removed, err
		}
		if !e.IsDir() {
			continue
		}
		scanned++

		dir := filepath.Join(base, e.Name())
		last, ok := lastModified(dir)
		if !ok || !last.Before(threshold) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logf("stage=sweep group=%s dir=%s warn=remove_failed err=%v", group, e.Name(), err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logf("stage=sweep group=%s scanned=%d removed=%d", group, scanned, removed)
	}
	return scanned, removed, nil
}

// lastModified returns the newest mtime under dir, including dir itself.
// Entries that cannot be stat'ed contribute nothing; ok is false when no
// timestamp was readable at all.
func lastModified(dir string) (time.Time, bool) {
	var (
		newest time.Time
		found  bool
	)
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if mt := info.ModTime(); !found || mt.After(newest) {
			newest, found = mt, true
		}
		return nil
	})
	return newest, found
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logf("stage=sweep err=%v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
