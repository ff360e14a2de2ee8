package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "GATEGUARD_"

// LoadDotEnv reads the given .env files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func applyEnv(cfg *Config) {
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := lookup("STORAGE_DSN"); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := lookup("API_ADDR"); ok {
		cfg.API.Addr = v
	}
	if v, ok := lookup("REST_ADDR"); ok {
		cfg.Ingest.REST.Addr = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		cfg.Notify.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		cfg.Notify.Redis.Password = v
	}
	if v, ok := lookup("NATS_URL"); ok {
		cfg.Notify.NATS.URL = v
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
