// Command collector is the agent entrypoint (spec §2/§6): it wires the
// governor, cache, vendor client, charging engine, storage backend, and
// HTTP dashboard together, mirroring the teacher's main.go composition
// root (config.Load -> init collaborators -> start background services
// -> start HTTP server -> gracefulShutdown) but for a single vehicle
// poller instead of a multi-tenant billing backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jthatch/bluelink-agent/internal/cache"
	"github.com/jthatch/bluelink-agent/internal/charging"
	"github.com/jthatch/bluelink-agent/internal/config"
	"github.com/jthatch/bluelink-agent/internal/governor"
	"github.com/jthatch/bluelink-agent/internal/httpapi"
	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/scheduler"
	"github.com/jthatch/bluelink-agent/internal/storage"
	"github.com/jthatch/bluelink-agent/internal/storage/csvstore"
	"github.com/jthatch/bluelink-agent/internal/storage/dualstore"
	"github.com/jthatch/bluelink-agent/internal/storage/sqlstore"
	"github.com/jthatch/bluelink-agent/internal/vendorclient"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("📁 No .env file found, using environment variables")
	} else {
		log.Println("✅ Loaded .env file")
	}
}

func main() {
	once := flag.Bool("once", false, "perform a single poll and exit (spec §6 CLI mode)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	log.Println("╔══════════════════════════════════════════════════╗")
	log.Println("║          Bluelink Telemetry Agent                 ║")
	log.Println("╚══════════════════════════════════════════════════╝")
	if info, ok := debug.ReadBuildInfo(); ok {
		log.Printf("Go Version: %s", info.GoVersion)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Configuration validation failed: %v", err)
	}
	log.Println("✅ Configuration validated successfully")

	gov := governor.New(cfg.DataDir+"/api_call_history.json", cfg.APIDailyLimit)
	c := cache.New(cfg.CacheDir, cfg.CacheDurationHours, cfg.APIDailyLimit)

	sdk := vendorclient.NewHTTPSDK(cfg.VendorBaseURL, cfg.VendorUsername, cfg.VendorPassword)
	client := vendorclient.NewClient(sdk, gov, c, cfg.VehicleID, cfg.Region)

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("⚠️  storage close error: %v", err)
		}
	}()

	engine := charging.New(cfg.ChargingSessionGapMultiplier, cfg.BatteryCapacityKWh)
	resumeEngine(engine, store)

	poller := &poller{cfg: cfg, gov: gov, client: client, engine: engine, store: store}

	if *once {
		if err := poller.poll(context.Background(), "manual"); err != nil {
			log.Printf("❌ Poll failed: %v", err)
			os.Exit(1)
		}
		log.Println("✅ Poll completed")
		os.Exit(0)
	}

	sched := scheduler.New(gov, poller.poll)

	server := &httpapi.Server{
		Store:       store,
		Governor:    gov,
		Client:      client,
		Scheduler:   sched,
		AdminEmails: cfg.AdminEmails,
		FallbackN:   3,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.Router(cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server started on port %d", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	gracefulShutdown(cancel, sched, httpServer)
}

// poller bundles the collaborators a scheduled or manual poll needs.
type poller struct {
	cfg    *config.Config
	gov    *governor.Governor
	client *vendorclient.Client
	engine *charging.Engine
	store  storage.Store
}

// poll implements one full collection cycle: fetch+normalize, append
// battery/location/trip records, and run the charging session state
// machine (spec §4.6/§4.7 data-flow wiring).
func (p *poller) poll(ctx context.Context, source string) error {
	snap, err := p.client.Fetch(ctx, source)
	if err != nil {
		return fmt.Errorf("poll: fetch: %w", err)
	}

	vehicleTempRaw, meteoTempC := vendorclient.Temperatures(snap.Raw, p.cfg.Region)
	tempC := vendorclient.VehicleTempCelsius(vehicleTempRaw, p.cfg.Region)
	if p.cfg.WeatherSource == "meteo" {
		tempC = meteoTempC
	}

	reading := models.BatteryReading{
		Timestamp:     snap.CollectedAt,
		Level:         snap.Battery.Level,
		IsCharging:    snap.Battery.IsCharging,
		IsPluggedIn:   snap.Battery.IsPluggedIn,
		ChargingPower: snap.Battery.ChargingPower,
		RangeKm:       snap.Battery.RangeKm,
		VehicleTempC:  vehicleTempRaw, // stored untouched (°F for region 3) per spec §4.3
		MeteoTempC:    meteoTempC,
		TempC:         tempC,
		OdometerKm:    snap.OdometerKm,
		IsCached:      snap.IsCached,
	}
	if err := p.store.AppendBattery(ctx, reading); err != nil {
		return fmt.Errorf("poll: append battery: %w", err)
	}

	if snap.Location.HasFix() {
		if err := p.store.AppendLocation(ctx, models.LocationReading{
			Timestamp:   snap.CollectedAt,
			Lat:         snap.Location.Lat,
			Lon:         snap.Location.Lon,
			LastUpdated: snap.Location.LastUpdated,
		}); err != nil {
			return fmt.Errorf("poll: append location: %w", err)
		}
	}

	if len(snap.Trips) > 0 {
		written, err := p.store.AppendTrips(ctx, snap.Trips)
		if err != nil {
			return fmt.Errorf("poll: append trips: %w", err)
		}
		if written.Skipped > 0 {
			log.Printf("trips: inserted %d, skipped %d duplicates", written.Inserted, written.Skipped)
		}
	}

	baseInterval := p.gov.BaseIntervalMinutes()
	sessions, err := p.engine.Observe(reading, baseInterval)
	if err != nil {
		return fmt.Errorf("poll: charging engine: %w", err)
	}
	for _, s := range sessions {
		if err := p.store.UpsertChargingSession(ctx, *s); err != nil {
			return fmt.Errorf("poll: upsert charging session: %w", err)
		}
	}

	return nil
}

func resumeEngine(engine *charging.Engine, store storage.Store) {
	ctx := context.Background()
	active, err := store.ActiveChargingSession(ctx)
	if err != nil {
		log.Printf("⚠️  failed to resume active charging session: %v", err)
	}
	last, err := store.LastBatteryReading(ctx)
	if err != nil {
		log.Printf("⚠️  failed to resume last battery reading: %v", err)
	}
	engine.Resume(active, last)
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "csv":
		return csvstore.New(cfg.DataDir)
	case "sql":
		return sqlstore.New(cfg.DatabasePath)
	case "dual":
		primary, err := csvstore.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		secondary, err := sqlstore.New(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return dualstore.New(primary, secondary, cfg.DualReadFrom == "sql"), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func gracefulShutdown(cancel context.CancelFunc, sched *scheduler.Scheduler, srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Println("⚠️  Shutdown signal received, initiating graceful shutdown...")

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()

	log.Println("🛑 Stopping scheduler...")
	sched.Stop()
	cancel()

	log.Println("🛑 Stopping HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ Server shutdown error: %v", err)
	}

	log.Println("✅ Graceful shutdown completed")
}
