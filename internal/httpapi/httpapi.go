// Package httpapi implements the read-only dashboard surface and the
// single mutating endpoint described in spec §4.8/§6, component C8.
// Routing and CORS follow the teacher's main.go wiring (gorilla/mux +
// rs/cors); handler shape (context timeout, panic recovery via
// middleware.Recover, QueryRowContext-style defensive defaults) follows
// handlers/dashboard.go.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jthatch/bluelink-agent/internal/governor"
	"github.com/jthatch/bluelink-agent/internal/middleware"
	"github.com/jthatch/bluelink-agent/internal/scheduler"
	"github.com/jthatch/bluelink-agent/internal/storage"
	"github.com/jthatch/bluelink-agent/internal/vendorclient"
)

const handlerTimeout = 5 * time.Second

// Server holds the collaborators every dashboard handler needs.
type Server struct {
	Store       storage.Store
	Governor    *governor.Governor
	Client      *vendorclient.Client
	Scheduler   *scheduler.Scheduler
	AdminEmails []string
	FallbackN   int // spec §4.8: number of recent charging sessions to fall back to
}

// Router builds the full mux.Router + CORS handler for cfg.ServerAddress
// to be passed to an http.Server.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recover)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)

	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/current-status", s.handleCurrentStatus).Methods("GET")
	r.HandleFunc("/api/battery-history", s.handleBatteryHistory).Methods("GET")
	r.HandleFunc("/api/trips", s.handleTrips).Methods("GET")
	r.HandleFunc("/api/charging-sessions", s.handleChargingSessions).Methods("GET")
	r.HandleFunc("/api/collection-status", s.handleCollectionStatus).Methods("GET")

	refresh := r.PathPrefix("/api/refresh").Subrouter()
	refresh.Use(middleware.RequireAdmin(s.AdminEmails))
	refresh.HandleFunc("", s.handleRefresh).Methods("POST")

	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Email"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleCurrentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	reading, err := s.Store.LastBatteryReading(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	active, err := s.Store.ActiveChargingSession(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status, err := s.Governor.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"battery":          reading,
		"active_charging":  active,
		"quota":            status,
	})
}

func (s *Server) handleBatteryHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	var days *int
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = &n
		}
	}

	history, err := s.Store.BatteryHistory(ctx, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": history})
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	q := r.URL.Query()
	query := storage.TripQuery{
		Page:    atoiDefault(q.Get("page"), 1),
		PerPage: atoiDefault(q.Get("per_page"), 20),
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			query.Start = t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			query.End = t
		}
	}
	if v := q.Get("min_distance"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			query.MinDistance = &f
		}
	}
	if v := q.Get("max_distance"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			query.MaxDistance = &f
		}
	}

	trips, total, err := s.Store.TripsInWindow(ctx, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips, "total": total, "page": query.Page, "per_page": query.PerPage})
}

func (s *Server) handleChargingSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	q := r.URL.Query()
	var start, end time.Time
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			start = t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			end = t
		}
	}

	sessions, err := s.Store.ChargingSessionsInWindow(ctx, start, end, s.FallbackN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Governor.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	next, err := s.Scheduler.NextPollAt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quota": status, "next_poll_at": next})
}

// handleRefresh forces a live poll bypassing the cache (spec §6: manual
// refresh maps vendorclient errors straight to their classified HTTP
// status).
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second) // vendor SDK call timeout + margin
	defer cancel()

	snap, err := s.Client.Fetch(ctx, "force_refresh")
	if err != nil {
		writeError(w, vendorclient.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(sanitize(reflect.ValueOf(v)))
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// sanitize walks an arbitrary Go value by reflection and rebuilds it as
// plain maps/slices/scalars with every NaN/Inf float64 replaced by nil,
// per spec §6: "no endpoint may ever emit NaN into JSON". encoding/json
// refuses to marshal NaN outright, so this runs before the encoder ever
// sees the value.
func sanitize(v reflect.Value) any {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if v.CanInterface() {
		if m, ok := v.Interface().(json.Marshaler); ok {
			return m // time.Time and similar: no NaN-bearing fields, let encoding/json handle it
		}
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			tag := field.Tag.Get("json")
			name, opts := parseJSONTag(tag, field.Name)
			if name == "-" {
				continue
			}
			fv := v.Field(i)
			if opts.omitempty && isEmptyValue(fv) {
				continue
			}
			out[name] = sanitize(fv)
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, key := range v.MapKeys() {
			out[toMapKey(key)] = sanitize(v.MapIndex(key))
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i))
		}
		return out
	default:
		if !v.IsValid() {
			return nil
		}
		return v.Interface()
	}
}

type jsonTagOpts struct{ omitempty bool }

func parseJSONTag(tag, fieldName string) (string, jsonTagOpts) {
	if tag == "" {
		return fieldName, jsonTagOpts{}
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = fieldName
	}
	opts := jsonTagOpts{}
	for _, o := range parts[1:] {
		if o == "omitempty" {
			opts.omitempty = true
		}
	}
	return name, opts
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

func toMapKey(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}
