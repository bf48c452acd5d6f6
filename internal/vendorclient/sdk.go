// Package vendorclient wraps the (out-of-scope, per spec §1) vendor SDK
// and implements the API Client (spec §4.3, component C3): token
// refresh, retry, unit normalization, freshness classification, caching,
// and error classification around one opaque "give me the vehicle
// state" call.
package vendorclient

import "context"

// RawPayload is an opaque, vendor-shaped decoded-JSON document — the
// "vehicle record" spec §1 describes the vendor SDK as returning.
type RawPayload = map[string]any

// VehicleAPI is the vendor SDK collaborator. A real implementation wraps
// a Bluelink/Kia-Connect-style client; tests and local development use a
// fake. Modeled as an interface because spec §1 explicitly scopes the
// SDK itself out — only this seam is ours to specify.
type VehicleAPI interface {
	// RefreshToken refreshes or validates vendor credentials. Failures
	// are classified as AuthError by the caller.
	RefreshToken(ctx context.Context) error

	// FetchVehicleStatus requests a live vehicle-state refresh from the
	// vendor. May return a *ClassifiedError describing a retryable or
	// terminal failure.
	FetchVehicleStatus(ctx context.Context, vehicleID string) (RawPayload, error)

	// FetchCachedState requests the vendor's own last-known (server-side
	// cached) state, used as the PartialPayload fallback (spec §7).
	FetchCachedState(ctx context.Context, vehicleID string) (RawPayload, error)
}
