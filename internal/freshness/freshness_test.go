package freshness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jthatch/bluelink-agent/internal/models"
)

func withTimestamp(t time.Time, digest string) *models.VehicleSnapshot {
	return &models.VehicleSnapshot{
		VendorUpdatedAt:    t,
		HasVendorUpdatedAt: true,
		PayloadDigest:      digest,
	}
}

func TestIsFresh_FirstObservation(t *testing.T) {
	snap := withTimestamp(time.Now(), "abc")
	assert.True(t, IsFresh(snap, nil))
}

func TestIsFresh_Idempotence(t *testing.T) {
	x := withTimestamp(time.Now(), "abc")
	assert.False(t, IsFresh(x, x), "comparing a snapshot to itself must not be fresh")
}

func TestIsFresh_NewerTimestamp(t *testing.T) {
	base := time.Now()
	prev := withTimestamp(base, "a")
	next := withTimestamp(base.Add(time.Hour), "b")
	assert.True(t, IsFresh(next, prev))
}

func TestIsFresh_OlderTimestampIsClockSkewTreatedAsFresh(t *testing.T) {
	base := time.Now()
	prev := withTimestamp(base, "a")
	next := withTimestamp(base.Add(-time.Hour), "b")
	assert.True(t, IsFresh(next, prev))
}

func TestIsFresh_SameTimestampDifferentPayload(t *testing.T) {
	base := time.Now()
	prev := withTimestamp(base, "a")
	next := withTimestamp(base, "b")
	assert.True(t, IsFresh(next, prev))
}

func TestIsFresh_SameTimestampSamePayload(t *testing.T) {
	base := time.Now()
	prev := withTimestamp(base, "a")
	next := withTimestamp(base, "a")
	assert.False(t, IsFresh(next, prev))
}

func TestIsFresh_OnlyNewHasTimestamp(t *testing.T) {
	prev := &models.VehicleSnapshot{HasVendorUpdatedAt: false}
	next := withTimestamp(time.Now(), "a")
	assert.True(t, IsFresh(next, prev))
}

func TestIsFresh_OnlyPreviousHasTimestamp(t *testing.T) {
	prev := withTimestamp(time.Now(), "a")
	next := &models.VehicleSnapshot{HasVendorUpdatedAt: false}
	assert.False(t, IsFresh(next, prev))
}

func TestIsFresh_NeitherHasTimestamp(t *testing.T) {
	prev := &models.VehicleSnapshot{HasVendorUpdatedAt: false}
	next := &models.VehicleSnapshot{HasVendorUpdatedAt: false}
	assert.True(t, IsFresh(next, prev))
}
