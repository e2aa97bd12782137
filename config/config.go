// Package config loads the engine's process settings from the environment
// and its static trust tables from a JSON file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EnvMACSecret          = "TRUST_MAC_SECRET"
	EnvTablesPath         = "TRUST_TABLES_PATH"
	EnvHTTPAddr           = "TRUST_HTTP_ADDR"
	EnvPinReloadInterval  = "TRUST_PIN_RELOAD_INTERVAL"
	EnvProbeTimeout       = "TRUST_PROBE_TIMEOUT"
	EnvRedisAddr          = "TRUST_REDIS_ADDR"
	EnvAllowedOrigins     = "TRUST_ALLOWED_ORIGINS"
	EnvGCPProject         = "TRUST_GCP_PROJECT"
	EnvGCPCredentialsFile = "TRUST_GCP_CREDENTIALS_FILE"
	EnvAndroidPackage     = "TRUST_ANDROID_PACKAGE"

	DefaultHTTPAddr          = ":8080"
	DefaultPinReloadInterval = 5 * time.Minute
	DefaultProbeTimeout      = 2 * time.Second
)

var validate = validator.New()

// Config holds process settings loaded from environment variables.
type Config struct {
	MACSecret          string        `validate:"required,min=32"`
	TablesPath         string        `validate:"required"`
	HTTPAddr           string        `validate:"required"`
	PinReloadInterval  time.Duration `validate:"gt=0"`
	ProbeTimeout       time.Duration `validate:"gt=0"`
	RedisAddr          string        `validate:"omitempty,hostname_port"`
	AllowedOrigins     []string      `validate:"dive,required"`
	GCPProject         string        `validate:"required_with=AndroidPackage"`
	GCPCredentialsFile string
	AndroidPackage     string `validate:"required_with=GCPProject"`
}

// envNames maps Config fields to the variables that set them.
var envNames = map[string]string{
	"MACSecret":         EnvMACSecret,
	"TablesPath":        EnvTablesPath,
	"HTTPAddr":          EnvHTTPAddr,
	"PinReloadInterval": EnvPinReloadInterval,
	"ProbeTimeout":      EnvProbeTimeout,
	"RedisAddr":         EnvRedisAddr,
	"AllowedOrigins":    EnvAllowedOrigins,
	"GCPProject":        EnvGCPProject,
	"AndroidPackage":    EnvAndroidPackage,
}

// LoadFromEnv loads and validates configuration from environment variables.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load is LoadFromEnv with an injectable lookup.
func Load(getenv func(string) string) (Config, error) {
	reload, err := durationOrDefault(getenv, EnvPinReloadInterval, DefaultPinReloadInterval)
	if err != nil {
		return Config{}, err
	}
	probeTimeout, err := durationOrDefault(getenv, EnvProbeTimeout, DefaultProbeTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		MACSecret:          getenv(EnvMACSecret),
		TablesPath:         strings.TrimSpace(getenv(EnvTablesPath)),
		HTTPAddr:           orDefault(getenv, EnvHTTPAddr, DefaultHTTPAddr),
		PinReloadInterval:  reload,
		ProbeTimeout:       probeTimeout,
		RedisAddr:          strings.TrimSpace(getenv(EnvRedisAddr)),
		AllowedOrigins:     splitList(getenv(EnvAllowedOrigins)),
		GCPProject:         strings.TrimSpace(getenv(EnvGCPProject)),
		GCPCredentialsFile: strings.TrimSpace(getenv(EnvGCPCredentialsFile)),
		AndroidPackage:     strings.TrimSpace(getenv(EnvAndroidPackage)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	name := envNames[fe.StructField()]
	if name == "" {
		name = fe.StructField()
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("invalid %s: must not be empty", name)
	case "min":
		return fmt.Errorf("invalid %s: must be at least %s characters", name, fe.Param())
	case "required_with":
		return fmt.Errorf("invalid %s: required when %s is set", name, envNames[fe.Param()])
	default:
		return fmt.Errorf("invalid %s: failed %q check", name, fe.Tag())
	}
}

// AndroidEnabled reports whether Play Integrity corroboration is configured.
func (c Config) AndroidEnabled() bool {
	return c.GCPProject != "" && c.AndroidPackage != ""
}

func orDefault(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOrDefault(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
