package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every process setting.
const EnvPrefix = "BOOKLINE"

// Env holds settings that come from the process environment rather than
// bookline.yml: secrets and endpoints that differ per deployment.
type Env struct {
	JWTSecret    string `envconfig:"JWT_SECRET"`
	AMQPURL      string `envconfig:"AMQP_URL"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"text"`
	Environment  string `envconfig:"ENV" default:"dev"`
	// DBBusyTimeout caps how long a transaction waits on the database
	// lock before it fails as retryable.
	DBBusyTimeout time.Duration `envconfig:"DB_BUSY_TIMEOUT" default:"2s"`
}

// EnvPath returns the dotenv file for a workspace.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv reads <workspace>/.env if present, then the process environment.
// Variables already set in the environment win over the file.
func LoadEnv(workspace string) (Env, error) {
	if err := godotenv.Load(EnvPath(workspace)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Env{}, err
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, err
	}
	return env, nil
}
