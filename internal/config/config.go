package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Engine          string `envconfig:"ENGINE" default:"aria2"`
	EngineInboxSize int    `envconfig:"ENGINE_INBOX_SIZE" default:"64"`

	DownloadRoot      string        `envconfig:"DOWNLOAD_ROOT" required:"true"`
	FilteredDomains   []string      `envconfig:"FILTERED_DOMAINS"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL_UPLOADS" default:"3"`
	StatusInterval    time.Duration `envconfig:"STATUS_INTERVAL" default:"4s"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepOrphansFor    time.Duration `envconfig:"KEEP_ORPHANS_FOR" default:"24h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"mirror.db"`
	SessionDBPath     string        `envconfig:"SESSION_DB_PATH" default:"sessions.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DiscordWebhooks   Webhooks      `envconfig:"DISCORD_WEBHOOKS"`
	MessengerTimeout  time.Duration `envconfig:"MESSENGER_TIMEOUT" default:"10s"`

	Aria2 struct {
		RPCURL       string        `split_words:"true" default:"http://localhost:8210/jsonrpc"`
		WebsocketURL string        `split_words:"true" default:"ws://localhost:8210/jsonrpc"`
		Secret       string        `split_words:"true"`
		Timeout      time.Duration `split_words:"true" default:"10s"`
	}

	Putio struct {
		Token        string        `split_words:"true"`
		FolderID     int64         `split_words:"true"`
		PollInterval time.Duration `split_words:"true" default:"10s"`
	}

	Drive struct {
		ParentID          string        `split_words:"true"`
		ClientID          string        `split_words:"true"`
		ClientSecret      string        `split_words:"true"`
		RefreshToken      string        `split_words:"true"`
		AccessToken       string        `split_words:"true"`
		ShareEmails       []string      `split_words:"true"`
		ChunkSize         int64         `split_words:"true" default:"157286400"`
		SmallChunkTimeout time.Duration `split_words:"true" default:"5s"`
		LargeChunkTimeout time.Duration `split_words:"true" default:"10s"`
	}

	Notify struct {
		URL     string        `split_words:"true"`
		Timeout time.Duration `split_words:"true" default:"10s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"seedbox_mirror"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// Webhooks maps channel ids to webhook URLs. It decodes "id=url,id=url".
type Webhooks map[int64]string

func (w *Webhooks) Decode(value string) error {
	m := make(Webhooks)

	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid webhook %q: expected id=url", pair)
		}

		channelID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id in %q: %w", pair, err)
		}

		m[channelID] = strings.TrimSpace(url)
	}

	*w = m

	return nil
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine {
	case "aria2":
	case "putio":
		if c.Putio.Token == "" {
			return fmt.Errorf("PUTIO_TOKEN is required for the putio engine")
		}
	default:
		return fmt.Errorf("invalid engine: %s", c.Engine)
	}

	if c.Drive.ParentID == "" {
		return fmt.Errorf("DRIVE_PARENT_ID is required")
	}

	if c.Drive.RefreshToken == "" && c.Drive.AccessToken == "" {
		return fmt.Errorf("either DRIVE_REFRESH_TOKEN or DRIVE_ACCESS_TOKEN must be set")
	}

	if c.Drive.ChunkSize <= 0 {
		return fmt.Errorf("DRIVE_CHUNK_SIZE must be positive")
	}

	if c.MaxParallel < 1 {
		c.MaxParallel = 1
	}

	if c.EngineInboxSize < 1 {
		return fmt.Errorf("ENGINE_INBOX_SIZE must be positive")
	}

	if c.MessengerTimeout <= 0 {
		return fmt.Errorf("MESSENGER_TIMEOUT must be positive")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
