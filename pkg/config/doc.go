// Package config loads creditd configuration from CREDITD_* environment
// variables. An optional .env file is read first; CREDITD_ENV_FILE names a
// different file, which must then exist.
//
// Required:
//
//	CREDITD_STRIPE_WEBHOOK_SECRET="whsec_..."
//	CREDITD_INTERNAL_TOKENS="jobs:token1,reports:token2"  # unless CREDITD_INTERNAL_API_ENABLED=false
//
// Storage:
//
//	CREDITD_STORAGE_TYPE="postgres"  # memory, postgres
//	CREDITD_POSTGRES_URL="postgres://localhost/creditd?sslmode=disable"
//	CREDITD_REDIS_URL="redis://localhost:6379/0"
//	CREDITD_S3_BUCKET="creditd-statements"
//	CREDITD_ARCHIVE_ENABLED="true"
//
// Billing and metering:
//
//	CREDITD_STRIPE_API_KEY="sk_..."
//	CREDITD_STRIPE_OVERAGE_PRICE_ID="price_..."
//	CREDITD_CATALOG_PATH="/etc/creditd/catalog.yaml"
//	CREDITD_OVERAGE_RECONCILE_SCHEDULE="@every 15m"
//
// Notifications:
//
//	CREDITD_NOTIFY_ENDPOINTS="https://billing.example.com/hooks"
//	CREDITD_NOTIFY_SECRET="..."
//
// Observability:
//
//	CREDITD_LOG_LEVEL="info"  # debug, info, warn, error
//	CREDITD_LOG_FORMAT="json" # json, text
//	CREDITD_OTEL_ENABLED="true"
//	CREDITD_OTEL_ENDPOINT="otel-collector:4317"
package config
