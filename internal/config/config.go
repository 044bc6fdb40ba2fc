package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"telefleet"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	Timezone    string `envconfig:"TIMEZONE" default:"UTC"`

	// Bot API credentials for the owner-facing notification bot.
	BotToken string `envconfig:"BOT_TOKEN" required:"true"`

	// MTProto application credentials shared by all worker sessions.
	APIID   int    `envconfig:"API_ID" required:"true"`
	APIHash string `envconfig:"API_HASH" required:"true"`

	MongoURI     string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	DatabaseName string `envconfig:"DATABASE_NAME" default:"telefleet"`
	RedisURL     string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	// Device fingerprint presented by worker sessions.
	DeviceModel    string `envconfig:"DEVICE_MODEL" default:"Samsung Galaxy S25 Ultra"`
	SystemVersion  string `envconfig:"SYSTEM_VERSION" default:"SDK 35 (Android 15)"`
	AppVersion     string `envconfig:"APP_VERSION" default:"11.5.0 (5124)"`
	LangCode       string `envconfig:"LANG_CODE" default:"en"`
	SystemLangCode string `envconfig:"SYSTEM_LANG_CODE" default:"en-US"`

	// Optional YAML file overriding the pacing defaults below.
	PacingConfigPath string `envconfig:"PACING_CONFIG_PATH" default:""`

	Pacing Pacing `envconfig:"-"`
}

// Pacing holds every knob that spaces remote calls out. The defaults are
// deliberately conservative; raising them raises the odds of accounts being
// flagged.
type Pacing struct {
	MaxDailyAdds   int           `yaml:"max_daily_adds"`
	SoftErrorLimit int           `yaml:"soft_error_limit"`
	MinAddDelay    time.Duration `yaml:"min_add_delay"`
	MaxAddDelay    time.Duration `yaml:"max_add_delay"`
	ScrapeLimit    int           `yaml:"scrape_limit"`
	ScrapePageSize int           `yaml:"scrape_page_size"`
	MinPageDelay   time.Duration `yaml:"min_page_delay"`
	MaxPageDelay   time.Duration `yaml:"max_page_delay"`
	MinFloodJitter time.Duration `yaml:"min_flood_jitter"`
	MaxFloodJitter time.Duration `yaml:"max_flood_jitter"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ProgressEvery  int           `yaml:"progress_every"`
	CandidateTTL   time.Duration `yaml:"candidate_ttl"`
}

// UnmarshalYAML overrides only the knobs present in the document, so a
// partial pacing file keeps the defaults for everything it omits. Durations
// are written in Go notation ("5s", "1m30s").
func (p *Pacing) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxDailyAdds   *int    `yaml:"max_daily_adds"`
		SoftErrorLimit *int    `yaml:"soft_error_limit"`
		MinAddDelay    *string `yaml:"min_add_delay"`
		MaxAddDelay    *string `yaml:"max_add_delay"`
		ScrapeLimit    *int    `yaml:"scrape_limit"`
		ScrapePageSize *int    `yaml:"scrape_page_size"`
		MinPageDelay   *string `yaml:"min_page_delay"`
		MaxPageDelay   *string `yaml:"max_page_delay"`
		MinFloodJitter *string `yaml:"min_flood_jitter"`
		MaxFloodJitter *string `yaml:"max_flood_jitter"`
		CallTimeout    *string `yaml:"call_timeout"`
		ProgressEvery  *int    `yaml:"progress_every"`
		CandidateTTL   *string `yaml:"candidate_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxDailyAdds != nil {
		p.MaxDailyAdds = *raw.MaxDailyAdds
	}
	if raw.SoftErrorLimit != nil {
		p.SoftErrorLimit = *raw.SoftErrorLimit
	}
	if raw.ScrapeLimit != nil {
		p.ScrapeLimit = *raw.ScrapeLimit
	}
	if raw.ScrapePageSize != nil {
		p.ScrapePageSize = *raw.ScrapePageSize
	}
	if raw.ProgressEvery != nil {
		p.ProgressEvery = *raw.ProgressEvery
	}

	durations := []struct {
		src *string
		dst *time.Duration
	}{
		{raw.MinAddDelay, &p.MinAddDelay},
		{raw.MaxAddDelay, &p.MaxAddDelay},
		{raw.MinPageDelay, &p.MinPageDelay},
		{raw.MaxPageDelay, &p.MaxPageDelay},
		{raw.MinFloodJitter, &p.MinFloodJitter},
		{raw.MaxFloodJitter, &p.MaxFloodJitter},
		{raw.CallTimeout, &p.CallTimeout},
		{raw.CandidateTTL, &p.CandidateTTL},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *d.src, err)
		}
		*d.dst = parsed
	}
	return nil
}

func DefaultPacing() Pacing {
	return Pacing{
		MaxDailyAdds:   20,
		SoftErrorLimit: 15,
		MinAddDelay:    5 * time.Second,
		MaxAddDelay:    15 * time.Second,
		ScrapeLimit:    500,
		ScrapePageSize: 100,
		MinPageDelay:   1 * time.Second,
		MaxPageDelay:   3 * time.Second,
		MinFloodJitter: 5 * time.Second,
		MaxFloodJitter: 10 * time.Second,
		CallTimeout:    90 * time.Second,
		ProgressEvery:  5,
		CandidateTTL:   48 * time.Hour,
	}
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.Pacing = DefaultPacing()
	if cfg.PacingConfigPath != "" {
		if err := loadPacing(cfg.PacingConfigPath, &cfg.Pacing); err != nil {
			return nil, fmt.Errorf("failed to load pacing config: %w", err)
		}
	}

	if cfg.Pacing.MinAddDelay > cfg.Pacing.MaxAddDelay {
		return nil, fmt.Errorf("min_add_delay %s exceeds max_add_delay %s",
			cfg.Pacing.MinAddDelay, cfg.Pacing.MaxAddDelay)
	}

	return &cfg, nil
}

func loadPacing(path string, pacing *Pacing) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var doc struct {
		Pacing Pacing `yaml:"pacing"`
	}
	doc.Pacing = *pacing

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&doc); err != nil {
		return err
	}

	*pacing = doc.Pacing
	return nil
}

// Location resolves the configured timezone, falling back to UTC. Day
// rollover for quota counters happens at local midnight in this zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
