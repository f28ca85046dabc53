package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Questions struct {
		TTL string `yaml:"ttl"`
	} `yaml:"questions"`
	RateLimit struct {
		Limit  int    `yaml:"limit"`
		Window string `yaml:"window"`
	} `yaml:"ratelimit"`
	Heartbeat struct {
		StaleTimeout  string `yaml:"staleTimeout"`
		SweepInterval string `yaml:"sweepInterval"`
	} `yaml:"heartbeat"`
	Capture struct {
		MaxBatchSize int  `yaml:"maxBatchSize"`
		RejectLate   bool `yaml:"rejectLate"`
	} `yaml:"capture"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or
// malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
