// Package freshness implements the Freshness Classifier (spec §4.7,
// component C7): distinguishing a genuinely new vendor payload from a
// server-side cached replay.
package freshness

import "github.com/jthatch/bluelink-agent/internal/models"

// IsFresh implements the seven-case decision table of spec §4.7. The
// result is stored as is_cached = !IsFresh on the resulting BatteryReading.
func IsFresh(newSnap, previous *models.VehicleSnapshot) bool {
	if previous == nil {
		return true // case 7: first observation
	}

	newHas := newSnap.HasVendorUpdatedAt
	prevHas := previous.HasVendorUpdatedAt

	switch {
	case newHas && prevHas:
		switch {
		case newSnap.VendorUpdatedAt.After(previous.VendorUpdatedAt):
			return true // case 2
		case newSnap.VendorUpdatedAt.Before(previous.VendorUpdatedAt):
			return true // case 3: clock skew treated as fresh
		default:
			return newSnap.PayloadDigest != previous.PayloadDigest // case 4
		}
	case newHas && !prevHas:
		return true // case 5
	case !newHas && prevHas:
		return false // case 6
	default:
		return true // neither has a timestamp: treat as first observation
	}
}
