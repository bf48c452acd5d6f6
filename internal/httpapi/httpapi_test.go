package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthatch/bluelink-agent/internal/cache"
	"github.com/jthatch/bluelink-agent/internal/governor"
	"github.com/jthatch/bluelink-agent/internal/vendorclient"
)

type fakeSDK struct {
	payloads []vendorclient.RawPayload
	call     int
}

func (f *fakeSDK) RefreshToken(ctx context.Context) error { return nil }

func (f *fakeSDK) FetchVehicleStatus(ctx context.Context, vehicleID string) (vendorclient.RawPayload, error) {
	i := f.call
	f.call++
	if i < len(f.payloads) {
		return f.payloads[i], nil
	}
	return f.payloads[len(f.payloads)-1], nil
}

func (f *fakeSDK) FetchCachedState(ctx context.Context, vehicleID string) (vendorclient.RawPayload, error) {
	return f.payloads[len(f.payloads)-1], nil
}

func newTestServer(t *testing.T, sdk *fakeSDK) *Server {
	t.Helper()
	dir := t.TempDir()
	gov := governor.New(filepath.Join(dir, "gov.json"), 30)
	c := cache.New(filepath.Join(dir, "cache"), 48, 30)
	client := vendorclient.NewClient(sdk, gov, c, "VIN123", 3)
	return &Server{Governor: gov, Client: client, FallbackN: 3}
}

func TestHandleHealth(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSanitize_ReplacesNaNAndInfWithNull(t *testing.T) {
	type inner struct {
		Value float64 `json:"value"`
	}
	type outer struct {
		Good  float64   `json:"good"`
		NaN   float64   `json:"nan"`
		Inf   float64   `json:"inf"`
		Inner inner     `json:"inner"`
		List  []float64 `json:"list"`
	}

	v := outer{
		Good:  1.5,
		NaN:   math.NaN(),
		Inf:   math.Inf(1),
		Inner: inner{Value: math.NaN()},
		List:  []float64{1, math.NaN(), 3},
	}

	data, err := json.Marshal(sanitize(reflect.ValueOf(v)))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.5, decoded["good"])
	assert.Nil(t, decoded["nan"])
	assert.Nil(t, decoded["inf"])
	innerMap := decoded["inner"].(map[string]any)
	assert.Nil(t, innerMap["value"])
	list := decoded["list"].([]any)
	assert.Equal(t, float64(1), list[0])
	assert.Nil(t, list[1])
	assert.Equal(t, float64(3), list[2])
}

func TestSanitize_PassesThroughTimeUnmodified(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	result := sanitize(reflect.ValueOf(now))

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `"2025-01-02T03:04:05Z"`, string(data))
}

func TestHandleRefresh_BypassesValidCache(t *testing.T) {
	sdk := &fakeSDK{payloads: []vendorclient.RawPayload{
		{"odometer": 100.0, "last_updated_at": "2024-01-01T00:00:00Z"},
		{"odometer": 200.0, "last_updated_at": "2024-01-01T01:00:00Z"},
	}}
	s := newTestServer(t, sdk)

	// Populate a valid cache entry the way a prior scheduled poll would.
	_, err := s.Client.Fetch(context.Background(), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, sdk.call)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	s.handleRefresh(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, sdk.call, "manual refresh must bypass a valid cache entry and hit the vendor SDK")
}

func TestSanitize_NilPointerBecomesNull(t *testing.T) {
	var p *float64
	assert.Nil(t, sanitize(reflect.ValueOf(p)))
}
