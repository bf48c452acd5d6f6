// Package cache implements the per-fingerprint response cache (spec
// §4.2, component C2): an overwrite-in-place current file plus a rolling
// history for audit. The write path does its own retention GC inline,
// matching the teacher's habit (services/zaptec_collector.go's
// writeIdleReadingIfNeeded) of folding bookkeeping into the write rather
// than a separate janitor goroutine.
package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jthatch/bluelink-agent/internal/models"
)

const historyTimeLayout = "20060102150405"

// Cache memoizes the last normalized snapshot per fingerprint.
type Cache struct {
	dir            string
	retention      time.Duration
	dailyLimit     int
	now            func() time.Time
}

// New constructs a Cache rooted at dir, with retention derived from
// cacheDurationHours and validity derived from dailyLimit per spec §4.2.
func New(dir string, cacheDurationHours int, dailyLimit int) *Cache {
	return &Cache{
		dir:        dir,
		retention:  time.Duration(cacheDurationHours) * time.Hour,
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// Validity is 0.95 * (24*60/daily_limit) minutes per spec §4.2.
func (c *Cache) Validity() time.Duration {
	baseIntervalMin := (24 * 60) / float64(c.dailyLimit)
	return time.Duration(0.95*baseIntervalMin*60) * time.Second
}

type envelope struct {
	StoredAt time.Time              `json:"stored_at"`
	Snapshot models.VehicleSnapshot `json:"snapshot"`
}

func (c *Cache) currentPath(fingerprint string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.json", fingerprint))
}

func (c *Cache) historyPath(fingerprint string, at time.Time) string {
	return filepath.Join(c.dir, fmt.Sprintf("history_%s_%s.json", at.Format(historyTimeLayout), fingerprint))
}

func (c *Cache) errorPath(fingerprint string, at time.Time) string {
	return filepath.Join(c.dir, fmt.Sprintf("error_%s_%s.json", at.Format(historyTimeLayout), fingerprint))
}

// Load returns the cached snapshot for fingerprint and its age, or
// ok=false on a cache miss.
func (c *Cache) Load(fingerprint string) (snap models.VehicleSnapshot, age time.Duration, ok bool) {
	data, err := os.ReadFile(c.currentPath(fingerprint))
	if err != nil {
		return models.VehicleSnapshot{}, 0, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("⚠️  cache: corrupt current entry for %s: %v", fingerprint, err)
		return models.VehicleSnapshot{}, 0, false
	}
	return env.Snapshot, c.now().Sub(env.StoredAt), true
}

// Age returns how old the cached entry for fingerprint is, if any.
func (c *Cache) Age(fingerprint string) (time.Duration, bool) {
	_, age, ok := c.Load(fingerprint)
	return age, ok
}

// IsValid reports whether a cached entry exists and is within validity.
func (c *Cache) IsValid(fingerprint string) bool {
	age, ok := c.Age(fingerprint)
	return ok && age < c.Validity()
}

// Store writes the current file, a timestamped history file, and GCs
// history files older than retention.
func (c *Cache) Store(fingerprint string, snap models.VehicleSnapshot) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("cache: create dir: %w", err)
	}

	now := c.now()
	env := envelope{StoredAt: now, Snapshot: snap}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal snapshot: %w", err)
	}

	if err := writeAtomic(c.currentPath(fingerprint), data); err != nil {
		return fmt.Errorf("cache: write current: %w", err)
	}
	if err := os.WriteFile(c.historyPath(fingerprint, now), data, 0o644); err != nil {
		return fmt.Errorf("cache: write history: %w", err)
	}

	c.gc(fingerprint, now)
	return nil
}

// StoreError writes a classified-failure record for later analysis (spec
// §6, cache/error_*.json). Content is owned by the caller (C3); Cache
// only owns the directory and naming convention.
func (c *Cache) StoreError(fingerprint string, record any) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("cache: create dir: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal error record: %w", err)
	}
	return os.WriteFile(c.errorPath(fingerprint, c.now()), data, 0o644)
}

// gc deletes history files for fingerprint older than retention.
func (c *Cache) gc(fingerprint string, now time.Time) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("⚠️  cache: gc: failed to list %s: %v", c.dir, err)
		return
	}

	prefix := "history_"
	suffix := fmt.Sprintf("_%s.json", fingerprint)
	cutoff := now.Add(-c.retention)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		t, err := time.Parse(historyTimeLayout, ts)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
				log.Printf("⚠️  cache: gc: failed to remove %s: %v", name, err)
			}
		}
	}
}

// History returns the stored history entries for fingerprint, newest
// first, for the dashboard's audit views.
func (c *Cache) History(fingerprint string) ([]models.VehicleSnapshot, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("cache: list history: %w", err)
	}

	type stamped struct {
		t    time.Time
		path string
	}
	var matches []stamped
	prefix := "history_"
	suffix := fmt.Sprintf("_%s.json", fingerprint)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		t, err := time.Parse(historyTimeLayout, ts)
		if err != nil {
			continue
		}
		matches = append(matches, stamped{t: t, path: filepath.Join(c.dir, name)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].t.After(matches[j].t) })

	out := make([]models.VehicleSnapshot, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m.path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		out = append(out, env.Snapshot)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
