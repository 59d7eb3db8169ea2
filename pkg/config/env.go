package config

// EnvPrefix is handed to envconfig; every field carries its full variable name.
const EnvPrefix = "STORYFRAME"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "STORYFRAME_APP_ENV"
	EnvPort     = "STORYFRAME_APP_PORT"
	EnvLogLevel = "STORYFRAME_LOG_LEVEL"

	EnvDBDSN  = "STORYFRAME_DB_DSN"
	EnvDBHost = "STORYFRAME_DB_HOST"
	EnvDBUser = "STORYFRAME_DB_USER"
	EnvDBName = "STORYFRAME_DB_NAME"

	EnvRedisURL = "STORYFRAME_REDIS_URL"

	EnvJWTSecret  = "STORYFRAME_JWT_SECRET"
	EnvJWTIssuer  = "STORYFRAME_JWT_ISSUER"
	EnvJWTExpMins = "STORYFRAME_JWT_EXPIRATION_MINUTES"

	EnvGCPProjectID = "STORYFRAME_GCP_PROJECT_ID"

	EnvStripeAPIKey = "STORYFRAME_STRIPE_API_KEY"
	EnvStripeSecret = "STORYFRAME_STRIPE_SECRET"

	EnvBillingStandardPrices  = "STORYFRAME_BILLING_STANDARD_PRICE_IDS"
	EnvBillingPremiumPrices   = "STORYFRAME_BILLING_PREMIUM_PRICE_IDS"
	EnvBillingCommunityPrices = "STORYFRAME_BILLING_UNLIMITED_COMMUNITY_PRICE_IDS"
	EnvBillingStandardCredits = "STORYFRAME_BILLING_STANDARD_CREDITS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
