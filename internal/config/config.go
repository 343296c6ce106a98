// Package config loads the workers configuration from a YAML file,
// applies MAPSWIPE_-prefixed environment overrides, and validates the
// result against an embedded CUE schema before anything starts.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Store configures the tree backend.
type Store struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// Journal configures the SQLite event journal.
type Journal struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Dispatch configures the trigger dispatcher.
type Dispatch struct {
	Workers        int    `yaml:"workers" json:"workers"`
	MaxAttempts    int    `yaml:"maxAttempts" json:"maxAttempts"`
	HandlerTimeout string `yaml:"handlerTimeout" json:"handlerTimeout"`
}

// Ingestion configures result-ingestion anti-abuse checks.
type Ingestion struct {
	MinSecondsPerTask float64  `yaml:"minSecondsPerTask" json:"minSecondsPerTask"`
	BlockedUsers      []string `yaml:"blockedUsers" json:"blockedUsers"`
}

// OSM configures the OpenStreetMap OAuth bridge.
type OSM struct {
	Listen       string `yaml:"listen" json:"listen"`
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`
	AuthURL      string `yaml:"authURL" json:"authURL"`
	TokenURL     string `yaml:"tokenURL" json:"tokenURL"`
	ProfileURL   string `yaml:"profileURL" json:"profileURL"`
	RedirectURL  string `yaml:"redirectURL" json:"redirectURL"`
	AppDeepLink  string `yaml:"appDeepLink" json:"appDeepLink"`
	TokenSecret  string `yaml:"tokenSecret" json:"tokenSecret"`
}

// Config is the full workers configuration.
type Config struct {
	Store     Store     `yaml:"store" json:"store"`
	Journal   Journal   `yaml:"journal" json:"journal"`
	Dispatch  Dispatch  `yaml:"dispatch" json:"dispatch"`
	Ingestion Ingestion `yaml:"ingestion" json:"ingestion"`
	OSM       OSM       `yaml:"osm" json:"osm"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:    Store{Backend: "memory", Path: "data/tree"},
		Journal:  Journal{Enabled: false, Path: "data/journal.db"},
		Dispatch: Dispatch{Workers: 8, MaxAttempts: 3, HandlerTimeout: "30s"},
		Ingestion: Ingestion{
			MinSecondsPerTask: 0.125,
		},
		OSM: OSM{
			Listen:      ":8080",
			AuthURL:     "https://www.openstreetmap.org/oauth2/authorize",
			TokenURL:    "https://www.openstreetmap.org/oauth2/token",
			ProfileURL:  "https://api.openstreetmap.org/api/0.6/user/details.json",
			AppDeepLink: "mapswipe://login",
		},
	}
}

// Load reads the YAML file at path (if path is non-empty), layers
// environment overrides on top, and validates the result. A .env file in
// the working directory is read first so local overrides work without
// exporting anything.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded CUE schema and
// checks the handler timeout parses as a duration.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema has no #Config: %w", err)
	}

	if cfg.Ingestion.BlockedUsers == nil {
		// A nil slice encodes as JSON null, which does not unify with the
		// schema's list type.
		cfg.Ingestion.BlockedUsers = []string{}
	}
	val := ctx.Encode(cfg)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	unified := def.Unify(val)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.ParseDuration(cfg.Dispatch.HandlerTimeout); err != nil {
		return fmt.Errorf("invalid config: dispatch.handlerTimeout: %w", err)
	}
	if cfg.Store.Backend == "badger" && cfg.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path required for badger backend")
	}
	return nil
}

// Timeout returns the parsed dispatcher timeout. Call after Validate;
// an unparsable value falls back to 30s.
func (d Dispatch) Timeout() time.Duration {
	t, err := time.ParseDuration(d.HandlerTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return t
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("MAPSWIPE_STORE_BACKEND", &cfg.Store.Backend)
	setStr("MAPSWIPE_STORE_PATH", &cfg.Store.Path)
	setBool("MAPSWIPE_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	setStr("MAPSWIPE_JOURNAL_PATH", &cfg.Journal.Path)
	setInt("MAPSWIPE_DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	setInt("MAPSWIPE_DISPATCH_MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts)
	setStr("MAPSWIPE_DISPATCH_HANDLER_TIMEOUT", &cfg.Dispatch.HandlerTimeout)
	setFloat("MAPSWIPE_INGESTION_MIN_SECONDS_PER_TASK", &cfg.Ingestion.MinSecondsPerTask)
	setStr("MAPSWIPE_OSM_LISTEN", &cfg.OSM.Listen)
	setStr("MAPSWIPE_OSM_CLIENT_ID", &cfg.OSM.ClientID)
	setStr("MAPSWIPE_OSM_CLIENT_SECRET", &cfg.OSM.ClientSecret)
	setStr("MAPSWIPE_OSM_AUTH_URL", &cfg.OSM.AuthURL)
	setStr("MAPSWIPE_OSM_TOKEN_URL", &cfg.OSM.TokenURL)
	setStr("MAPSWIPE_OSM_PROFILE_URL", &cfg.OSM.ProfileURL)
	setStr("MAPSWIPE_OSM_REDIRECT_URL", &cfg.OSM.RedirectURL)
	setStr("MAPSWIPE_OSM_APP_DEEP_LINK", &cfg.OSM.AppDeepLink)
	setStr("MAPSWIPE_OSM_TOKEN_SECRET", &cfg.OSM.TokenSecret)
}
