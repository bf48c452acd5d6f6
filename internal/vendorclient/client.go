package vendorclient

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/jthatch/bluelink-agent/internal/cache"
	"github.com/jthatch/bluelink-agent/internal/digest"
	"github.com/jthatch/bluelink-agent/internal/freshness"
	"github.com/jthatch/bluelink-agent/internal/governor"
	"github.com/jthatch/bluelink-agent/internal/models"
)

const (
	maxRetries         = 3
	forceRefreshSource = "force_refresh"
	sdkCallTimeout     = 30 * time.Second
)

// Client implements the API Client (spec §4.3, component C3).
type Client struct {
	SDK       VehicleAPI
	Governor  *governor.Governor
	Cache     *cache.Cache
	VehicleID string
	Region    int
	Now       func() time.Time
	Sleep     func(time.Duration)
	Rand      func() float64 // uniform [0,1), overridable for deterministic tests

	lastSnapshot *models.VehicleSnapshot
}

// NewClient wires the four collaborators of spec §4.3's data flow.
func NewClient(sdk VehicleAPI, gov *governor.Governor, c *cache.Cache, vehicleID string, region int) *Client {
	return &Client{
		SDK:       sdk,
		Governor:  gov,
		Cache:     c,
		VehicleID: vehicleID,
		Region:    region,
		Now:       time.Now,
		Sleep:     time.Sleep,
		Rand:      rand.Float64,
	}
}

func (c *Client) fingerprint() string {
	return digest.Fingerprint(c.VehicleID, "vehicle_status")
}

// Fetch implements the six-step contract of spec §4.3.
func (c *Client) Fetch(ctx context.Context, source string) (models.VehicleSnapshot, error) {
	fp := c.fingerprint()

	// Step 1: consult the cache.
	if source != forceRefreshSource {
		if cached, age, ok := c.Cache.Load(fp); ok && age < c.Cache.Validity() {
			return cached, nil
		}
	}

	// Step 2: consult the governor.
	canCall, err := c.Governor.CanCall()
	if err != nil {
		return models.VehicleSnapshot{}, classified(ClassUnknown, "governor check failed", err)
	}
	if !canCall {
		if cached, _, ok := c.Cache.Load(fp); ok {
			cached.IsStale = true
			return cached, classified(ClassQuotaExhaustedLocal, "daily call quota exhausted", nil)
		}
		return models.VehicleSnapshot{}, classified(ClassQuotaExhaustedLocal, "daily call quota exhausted", nil)
	}

	// Step 3: refresh credentials.
	if err := c.SDK.RefreshToken(ctx); err != nil {
		ce := classified(ClassAuthError, "token refresh failed", err)
		c.persistError(fp, ce)
		return models.VehicleSnapshot{}, ce
	}

	// Step 4: invoke the SDK, retrying only remote rate-limit errors.
	raw, fetchErr := c.fetchWithRetry(ctx)
	if fetchErr != nil {
		ce, ok := fetchErr.(*ClassifiedError)
		if !ok {
			ce = classified(ClassUnknown, fetchErr.Error(), fetchErr)
		}

		if ce.Class == ClassPartialPayload {
			// spec §7: one fallback attempt to the cached-state call.
			if cachedRaw, err := c.SDK.FetchCachedState(ctx, c.VehicleID); err == nil {
				return c.finish(fp, cachedRaw, source)
			}
			if cachedSnap, _, ok := c.Cache.Load(fp); ok {
				cachedSnap.IsStale = true
				return cachedSnap, nil
			}
			return models.VehicleSnapshot{}, ce
		}

		if ce.Class == ClassQuotaExhaustedRemote {
			_ = c.Governor.RecordRateLimitHit(source, ce.Message)
		}
		c.persistError(fp, ce)
		return models.VehicleSnapshot{}, ce
	}

	// Step 5: success.
	if err := c.Governor.RecordCall(source); err != nil {
		return models.VehicleSnapshot{}, classified(ClassUnknown, "failed to record call", err)
	}
	_ = c.Governor.ResetBackoff()

	return c.finish(fp, raw, source)
}

func (c *Client) finish(fp string, raw RawPayload, source string) (models.VehicleSnapshot, error) {
	snap := Normalize(raw, c.Region, c.Now())
	snap.IsCached = !freshness.IsFresh(&snap, c.lastSnapshot)
	c.lastSnapshot = &snap

	if err := c.Cache.Store(fp, snap); err != nil {
		return snap, classified(ClassUnknown, "cache store failed", err)
	}
	return snap, nil
}

// fetchWithRetry retries only ClassQuotaExhaustedRemote, with exponential
// back-off 2^attempt * U(0.5,1.5) seconds, capped at maxRetries.
func (c *Client) fetchWithRetry(ctx context.Context) (RawPayload, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		raw, err := c.callWithTimeout(ctx)
		if err == nil {
			return raw, nil
		}

		ce := Classify(err)
		lastErr = ce
		if ce.Class != ClassQuotaExhaustedRemote || attempt == maxRetries {
			return nil, ce
		}

		backoff := time.Duration(float64(uint64(1)<<uint(attempt)) * (0.5 + c.Rand()) * float64(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			c.Sleep(backoff)
		}
	}
	return nil, lastErr
}

// callWithTimeout enforces the hard per-call SDK timeout of spec §5; a
// context deadline exceeded here is classified as a non-retryable
// Network error, never QuotaExhaustedRemote.
func (c *Client) callWithTimeout(ctx context.Context) (RawPayload, error) {
	callCtx, cancel := context.WithTimeout(ctx, sdkCallTimeout)
	defer cancel()

	raw, err := c.SDK.FetchVehicleStatus(callCtx, c.VehicleID)
	if err != nil && callCtx.Err() != nil {
		return nil, classified(ClassNetwork, "vendor call timed out", callCtx.Err())
	}
	return raw, err
}

func (c *Client) persistError(fp string, ce *ClassifiedError) {
	if ce.Class == ClassPartialPayload {
		return // spec §7: PartialPayload is common and not worth persisting
	}
	record := map[string]any{
		"error_type": ce.Class,
		"message":    ce.Message,
		"vehicle_id": c.VehicleID,
		"timestamp":  c.Now(),
	}
	_ = c.Cache.StoreError(fp, record)
}

// Classify maps an opaque vendor SDK error into the taxonomy of spec §7.
// Since the SDK is an out-of-scope collaborator (spec §1), classification
// is driven by conventional substrings an HTTP-backed SDK surfaces in its
// error text — the same pattern the teacher uses inline at each call site
// (services/zaptec_collector.go checks resp.StatusCode directly); here it
// is centralized because the taxonomy, not the HTTP status, is the
// contract the rest of the system depends on.
func Classify(err error) *ClassifiedError {
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		ce := classified(ClassQuotaExhaustedRemote, err.Error(), err)
		ce.IsRemote = true
		return ce
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid credentials") || strings.Contains(msg, "token"):
		return classified(ClassAuthError, err.Error(), err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "ssl") || strings.Contains(msg, "tls"):
		return classified(ClassNetwork, err.Error(), err)
	case strings.Contains(msg, "503") || strings.Contains(msg, "maintenance") || strings.Contains(msg, "service unavailable"):
		return classified(ClassServiceUnavailable, err.Error(), err)
	case strings.Contains(msg, "vehicle offline") || strings.Contains(msg, "cannot be reached"):
		return classified(ClassVehicleOffline, err.Error(), err)
	case strings.Contains(msg, "vehicle not found") || strings.Contains(msg, "404"):
		return classified(ClassVehicleNotFound, err.Error(), err)
	case strings.Contains(msg, "vehiclestatus") && strings.Contains(msg, "missing"):
		return classified(ClassPartialPayload, err.Error(), err)
	default:
		return classified(ClassUnknown, err.Error(), err)
	}
}
