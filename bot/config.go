// Package bot assembles the application: configuration, storage, the
// dispatcher, and the Telegram run options.
package bot

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/smartist/taigabot/bot/session"
	coreconfig "github.com/smartist/taigabot/core/config"
	"github.com/smartist/taigabot/core/database"
)

// TaigaConfig locates the Taiga instance the bot fronts.
type TaigaConfig struct {
	Host string `yaml:"host" envconfig:"TAIGA_URL"`
}

// Config is the full application configuration: the reusable core sections
// plus the bot's own storage and integration settings.
type Config struct {
	Core     *coreconfig.Config
	Database database.Config     `yaml:"database"`
	Redis    session.RedisConfig `yaml:"redis"`
	Taiga    TaigaConfig         `yaml:"taiga"`
}

type appFileConfig struct {
	Database database.Config     `yaml:"database"`
	Redis    session.RedisConfig `yaml:"redis"`
	Taiga    TaigaConfig         `yaml:"taiga"`
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing required value is a startup error, not a deferred failure.
func LoadConfig(path string) (*Config, error) {
	// optional .env for local runs
	_ = godotenv.Load()

	core, err := coreconfig.Load(path)
	if err != nil {
		return nil, err
	}

	var app appFileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &app); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	cfg := &Config{
		Core:     core,
		Database: app.Database,
		Redis:    app.Redis,
		Taiga:    app.Taiga,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CoreConfig exposes the embedded core configuration to the shared runner.
func (c *Config) CoreConfig() *coreconfig.Config {
	return c.Core
}

func (c *Config) validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Taiga.Host == "" {
		return fmt.Errorf("taiga.host is required")
	}
	return nil
}
