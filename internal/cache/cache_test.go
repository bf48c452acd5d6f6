package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthatch/bluelink-agent/internal/models"
)

func newTestCache(t *testing.T, dailyLimit int) *Cache {
	t.Helper()
	return New(t.TempDir(), 48, dailyLimit)
}

func TestLoad_MissOnEmptyCache(t *testing.T) {
	c := newTestCache(t, 30)
	_, _, ok := c.Load("fp1")
	assert.False(t, ok)
}

func TestStoreThenLoad_RoundTrips(t *testing.T) {
	c := newTestCache(t, 30)
	snap := models.VehicleSnapshot{OdometerKm: 12345, Battery: models.Battery{Level: 80}}

	require.NoError(t, c.Store("fp1", snap))

	got, age, ok := c.Load("fp1")
	require.True(t, ok)
	assert.Equal(t, snap.OdometerKm, got.OdometerKm)
	assert.Equal(t, snap.Battery.Level, got.Battery.Level)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}

func TestIsValid_BoundaryAtValidity(t *testing.T) {
	c := newTestCache(t, 30) // validity ~= 45.6min
	snap := models.VehicleSnapshot{}

	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }
	require.NoError(t, c.Store("fp1", snap))

	c.now = func() time.Time { return fixedNow.Add(c.Validity() - time.Second) }
	assert.True(t, c.IsValid("fp1"), "just under validity horizon must be valid")

	c.now = func() time.Time { return fixedNow.Add(c.Validity()) }
	assert.False(t, c.IsValid("fp1"), "at exactly the validity horizon the entry is stale")
}

func TestStore_RetentionGCRemovesOldHistory(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1, 30) // 1 hour retention
	snap := models.VehicleSnapshot{}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	require.NoError(t, c.Store("fp1", snap))

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, c.Store("fp1", snap))

	hist, err := c.History("fp1")
	require.NoError(t, err)
	assert.Len(t, hist, 1, "the first history file should have been GC'd after retention expired")
}

func TestStoreError_WritesErrorFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 48, 30)
	require.NoError(t, c.StoreError("fp1", map[string]string{"error_type": "AuthError"}))

	entries, err := filepath.Glob(filepath.Join(dir, "error_*fp1.json"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
