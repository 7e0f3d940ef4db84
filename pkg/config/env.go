package config

// EnvPrefix scopes every environment variable the service reads.
const EnvPrefix = "PLATEFLEET"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "PLATEFLEET_DB_DSN"
	EnvDBHost = "PLATEFLEET_DB_HOST"
	EnvDBUser = "PLATEFLEET_DB_USER"
	EnvDBName = "PLATEFLEET_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
