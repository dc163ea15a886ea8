package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = time.Hour

// Session token generation gives up after this many collisions.
const MaxTokenAttempts = 10

// Device-side controller defaults
const (
	ControllerEventQueueSize      = 64
	ControllerMaintenanceInterval = 30 * time.Second
	ControllerSeenBeaconWindow    = 5 * time.Minute
	ControllerResolvePerSecond    = 2
	ControllerResolveBurst        = 4
)

// Request body limit for JSON APIs
const MaxRequestBodyBytes = 64 * 1024
