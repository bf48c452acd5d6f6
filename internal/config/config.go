// Package config loads the agent's configuration from the environment,
// following the same getEnv/getEnvInt helper pattern and startup log
// banner the teacher repo uses for its own config package.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config is the explicit configuration record called for by spec §9 in
// place of the original's dynamic kwargs-style configuration. Unknown
// environment keys are ignored, not warned about.
type Config struct {
	DatabasePath   string
	ServerAddress  string
	ServerPort     int
	LogLevel       string

	VehicleID  string
	Region     int // region 3 = USA, triggers miles->km normalization

	VendorBaseURL  string
	VendorUsername string
	VendorPassword string

	APIDailyLimit int

	CacheEnabled       bool
	CacheDurationHours int

	WeatherSource string // "meteo" or "vehicle"

	ChargingSessionGapMultiplier float64
	BatteryCapacityKWh           float64

	StorageBackend string // "csv" / "sql" / "dual"
	DualReadFrom   string // "csv" / "sql"

	DataDir  string
	CacheDir string

	AdminEmails    []string
	AllowedOrigins []string
}

// Load populates Config from the environment, applying the defaults from
// spec §6, and logs a summary banner (never secrets).
func Load() *Config {
	port := getEnvInt("SERVER_PORT", getEnvInt("PORT", 8080))

	cfg := &Config{
		DatabasePath:  getEnv("DATABASE_PATH", getEnv("DB_PATH", "./data/bluelink.db")),
		ServerAddress: ":" + strconv.Itoa(port),
		ServerPort:    port,
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		VehicleID: getEnv("VEHICLE_ID", ""),
		Region:    getEnvInt("REGION", 3),

		VendorBaseURL:  getEnv("VENDOR_BASE_URL", ""),
		VendorUsername: getEnv("VENDOR_USERNAME", ""),
		VendorPassword: getEnv("VENDOR_PASSWORD", ""),

		APIDailyLimit: getEnvInt("API_DAILY_LIMIT", 30),

		CacheEnabled:       getEnvBool("CACHE_ENABLED", true),
		CacheDurationHours: getEnvInt("CACHE_DURATION_HOURS", 48),

		WeatherSource: strings.ToLower(getEnv("WEATHER_SOURCE", "vehicle")),

		ChargingSessionGapMultiplier: getEnvFloat("CHARGING_SESSION_GAP_MULTIPLIER", 1.5),
		BatteryCapacityKWh:           getEnvFloat("BATTERY_CAPACITY_KWH", 77.4),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "csv")),
		DualReadFrom:   strings.ToLower(getEnv("DUAL_READ_FROM", "csv")),

		DataDir:  getEnv("DATA_DIR", "./data"),
		CacheDir: getEnv("CACHE_DIR", "./cache"),

		AdminEmails:    splitAndTrim(getEnv("ADMIN_EMAILS", "")),
		AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
	}

	log.Printf("📋 Configuration loaded:")
	log.Printf("   Data dir: %s  Cache dir: %s  Storage backend: %s", cfg.DataDir, cfg.CacheDir, cfg.StorageBackend)
	log.Printf("   Daily API limit: %d  Region: %d  Weather source: %s", cfg.APIDailyLimit, cfg.Region, cfg.WeatherSource)
	log.Printf("   Cache enabled: %s  Retention: %dh", boolToStatus(cfg.CacheEnabled), cfg.CacheDurationHours)
	log.Printf("   Server Port: %d", cfg.ServerPort)

	return cfg
}

// Validate applies the same fail-fast discipline as the teacher's
// validateConfig(cfg) call in main().
func (c *Config) Validate() error {
	if c.VehicleID == "" {
		return fmt.Errorf("VEHICLE_ID must be set")
	}
	if c.VendorBaseURL == "" {
		return fmt.Errorf("VENDOR_BASE_URL must be set")
	}
	if c.APIDailyLimit <= 0 {
		return fmt.Errorf("API_DAILY_LIMIT must be positive, got %d", c.APIDailyLimit)
	}
	switch c.StorageBackend {
	case "csv", "sql", "dual":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be csv, sql, or dual, got %q", c.StorageBackend)
	}
	if c.StorageBackend == "dual" {
		switch c.DualReadFrom {
		case "csv", "sql":
		default:
			return fmt.Errorf("DUAL_READ_FROM must be csv or sql, got %q", c.DualReadFrom)
		}
	}
	switch c.WeatherSource {
	case "meteo", "vehicle":
	default:
		return fmt.Errorf("WEATHER_SOURCE must be meteo or vehicle, got %q", c.WeatherSource)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func boolToStatus(b bool) string {
	if b {
		return "✅ enabled"
	}
	return "❌ disabled"
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
