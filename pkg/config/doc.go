// Package config loads campusauth configuration.
//
// # Overview
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. the YAML file named by CAMPUSAUTH_CONFIG_FILE, if set
//  3. CAMPUSAUTH_* environment variables
//
// # Environment Variables
//
// Server settings:
//
//	CAMPUSAUTH_HOST="0.0.0.0"
//	CAMPUSAUTH_PORT="8080"
//	CAMPUSAUTH_HEALTH_PORT="9090"
//	CAMPUSAUTH_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	CAMPUSAUTH_STORAGE_TYPE="postgres"  # memory, postgres
//	CAMPUSAUTH_POSTGRES_URL="postgres://localhost/campusauth"
//	CAMPUSAUTH_POSTGRES_REPLICA_URLS="postgres://replica1/campusauth,postgres://replica2/campusauth"
//	CAMPUSAUTH_CACHE_TYPE="redis"       # memory, redis
//	CAMPUSAUTH_REDIS_URL="redis://localhost:6379"
//
// Auth settings:
//
//	CAMPUSAUTH_SIGNING_SECRET="..."     # required
//	CAMPUSAUTH_ACCESS_TOKEN_TTL="24h"
//	CAMPUSAUTH_REFRESH_TOKEN_TTL="720h"
//	CAMPUSAUTH_RESET_TOKEN_TTL="15m"
//	CAMPUSAUTH_RATE_LIMIT_WINDOW="15m"
//	CAMPUSAUTH_RATE_LIMIT_THRESHOLD="5"
//	CAMPUSAUTH_BCRYPT_COST="12"
//
// Retention settings:
//
//	CAMPUSAUTH_RETENTION_ENABLED="true"
//	CAMPUSAUTH_RETENTION_SESSION_SCHEDULE="@hourly"
//	CAMPUSAUTH_AUDIT_RETENTION_YEARS="7"
//
// Observability settings:
//
//	CAMPUSAUTH_LOG_LEVEL="info"  # debug, info, warn, error
//	CAMPUSAUTH_OTEL_ENABLED="true"
//	CAMPUSAUTH_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
