// Package config loads the server settings. Sources are merged in order, each
// overriding the previous one:
//
//  1. built-in defaults
//  2. TOML files named by --config
//  3. SKIPON_* environment variables (SKIPON_REDIS__ADDRESS -> redis.address)
//  4. command-line flags
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
)

const envPrefix = "SKIPON_"

// Config holds all runtime settings. It is loaded once in main and passed
// down explicitly.
type Config struct {
	HTTP struct {
		Address         string        `koanf:"address"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	Redis struct {
		Address     string        `koanf:"address"`
		Password    string        `koanf:"password"`
		DB          int           `koanf:"db"`
		DialTimeout time.Duration `koanf:"dial_timeout"`
		Prefix      string        `koanf:"prefix"`
	} `koanf:"redis"`

	// An empty URL disables NATS: no match notifications and no relay.
	NATS struct {
		URL  string `koanf:"url"`
		Name string `koanf:"name"`
	} `koanf:"nats"`

	// An empty URL disables report persistence.
	Postgres struct {
		URL string `koanf:"url"`
	} `koanf:"postgres"`

	// An empty secret disables bearer tokens; everyone is a guest.
	Auth struct {
		Secret string `koanf:"secret"`
	} `koanf:"auth"`

	Matching struct {
		PollInterval    time.Duration `koanf:"poll_interval"`
		QueueTTL        time.Duration `koanf:"queue_ttl"`
		RoomTTL         time.Duration `koanf:"room_ttl"`
		ClaimTTL        time.Duration `koanf:"claim_ttl"`
		CleanupInterval time.Duration `koanf:"cleanup_interval"`
	} `koanf:"matching"`

	RateLimit struct {
		Enabled bool `koanf:"enabled"`
	} `koanf:"ratelimit"`

	CORS struct {
		AllowedOrigins []string `koanf:"allowed_origins"`
	} `koanf:"cors"`
}

var defaults = map[string]any{
	"http.address":              ":8080",
	"http.shutdown_timeout":     "10s",
	"redis.address":             "localhost:6379",
	"redis.password":            "",
	"redis.db":                  0,
	"redis.dial_timeout":        "2s",
	"redis.prefix":              "skipon:",
	"nats.url":                  "",
	"nats.name":                 "skipon-matchserver",
	"postgres.url":              "",
	"auth.secret":               "",
	"matching.poll_interval":    "2s",
	"matching.queue_ttl":        "1h",
	"matching.room_ttl":         "1h",
	"matching.claim_ttl":        "5s",
	"matching.cleanup_interval": "30s",
	"ratelimit.enabled":         true,
	"cors.allowed_origins":      []string{"*"},
}

// Load builds the configuration from defaults, files, the environment and
// args (without the program name). It returns flag.ErrHelp when --help is
// given.
func Load(args []string) (Config, error) {
	ko := koanf.New(".")

	f := flag.NewFlagSet("matchserver", flag.ContinueOnError)
	f.StringSlice("config", nil, "Path to one or more TOML config files to load in order")
	f.String("http.address", ":8080", "HTTP listen address")
	f.String("redis.address", "localhost:6379", "Redis address")
	f.String("nats.url", "", "NATS URL (empty disables notifications and the relay)")
	f.String("postgres.url", "", "Postgres URL for abuse reports (empty disables persistence)")
	f.Duration("matching.poll_interval", 2*time.Second, "Interval clients are told to poll at while searching")
	if err := f.Parse(args); err != nil {
		return Config{}, err
	}

	if err := ko.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	files, _ := f.GetStringSlice("config")
	for _, path := range files {
		log.Printf("[config] reading %s", path)
		if err := ko.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	// Only flags set on the command line override; the rest keep the value
	// already loaded.
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return Config{}, fmt.Errorf("config: flags: %w", err)
	}

	var c Config
	if err := ko.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("config: http.address is empty")
	}
	if c.Redis.Address == "" {
		return errors.New("config: redis.address is empty")
	}
	for name, d := range map[string]time.Duration{
		"matching.poll_interval":    c.Matching.PollInterval,
		"matching.queue_ttl":        c.Matching.QueueTTL,
		"matching.room_ttl":         c.Matching.RoomTTL,
		"matching.claim_ttl":        c.Matching.ClaimTTL,
		"matching.cleanup_interval": c.Matching.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, d)
		}
	}
	if c.Matching.ClaimTTL >= c.Matching.QueueTTL {
		return fmt.Errorf("config: matching.claim_ttl (%v) must be shorter than matching.queue_ttl (%v)",
			c.Matching.ClaimTTL, c.Matching.QueueTTL)
	}
	return nil
}
