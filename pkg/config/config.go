package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/imageio"
	"go-stackblur/pkg/logging"
	"go-stackblur/pkg/queue"
	"go-stackblur/pkg/stackblur"
)

// Run modes.
const (
	ModeLocal       = "local"
	ModeParallel    = "parallel"
	ModeCoordinator = "coordinator"
	ModeWorker      = "worker"
	ModeAssembler   = "assembler"
	ModeAll         = "all"
)

// Modes lists every run mode.
func Modes() []string {
	return []string{ModeLocal, ModeParallel, ModeCoordinator, ModeWorker, ModeAssembler, ModeAll}
}

// Config holds all application configuration.
type Config struct {
	Mode    string         `yaml:"mode"`
	Blur    BlurConfig     `yaml:"blur"`
	Paths   PathsConfig    `yaml:"paths"`
	Redis   RedisConfig    `yaml:"redis"`
	Worker  WorkerConfig   `yaml:"worker"`
	Logging logging.Config `yaml:"logging"`
}

// BlurConfig selects the effect and how it is executed.
type BlurConfig struct {
	Effect       string `yaml:"effect"`
	Radius       int    `yaml:"radius"`
	Steps        int    `yaml:"steps"`
	TileSize     int    `yaml:"tile_size"`
	Workers      int    `yaml:"workers"`
	MaxDimension int    `yaml:"max_dimension"`
}

// PathsConfig holds input, output and report directories.
type PathsConfig struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Stats  string `yaml:"stats"`
}

// RedisConfig holds the queue connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// WorkerConfig holds settings for the distributed worker and assembler.
type WorkerConfig struct {
	ID         string        `yaml:"id"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Mode: ModeLocal,
		Blur: BlurConfig{
			Effect:       string(effects.Custom),
			Radius:       stackblur.DefaultRadius,
			Steps:        effects.DefaultSteps,
			TileSize:     common.DefaultTileSize,
			MaxDimension: imageio.DefaultMaxDimension,
		},
		Paths: PathsConfig{
			Input:  "input",
			Output: "output",
			Stats:  "logs",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: queue.DefaultPrefix,
		},
		Worker: WorkerConfig{
			StaleAfter: 30 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read layers the file and environment over the defaults like Load but
// leaves validation to the caller, so later overrides can still fix a bad
// value.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	setString(&c.Mode, "SB_MODE")
	setString(&c.Blur.Effect, "SB_EFFECT")
	setInt(&c.Blur.Radius, "SB_RADIUS")
	setInt(&c.Blur.Steps, "SB_STEPS")
	setInt(&c.Blur.TileSize, "SB_TILE_SIZE")
	setInt(&c.Blur.Workers, "SB_WORKERS")
	setInt(&c.Blur.MaxDimension, "SB_MAX_DIMENSION")
	setString(&c.Paths.Input, "SB_INPUT")
	setString(&c.Paths.Output, "SB_OUTPUT")
	setString(&c.Paths.Stats, "SB_STATS_DIR")
	setString(&c.Redis.Addr, "SB_REDIS_ADDR")
	setString(&c.Redis.Password, "SB_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "SB_REDIS_DB")
	setString(&c.Redis.Prefix, "SB_REDIS_PREFIX")
	setString(&c.Worker.ID, "SB_WORKER_ID")
	if v := os.Getenv("SB_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.StaleAfter = d
		}
	}
	setString(&c.Logging.Level, "SB_LOG_LEVEL")
	setString(&c.Logging.Format, "SB_LOG_FORMAT")
	setString(&c.Logging.FilePath, "SB_LOG_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the config and normalizes the effect name. It is called
// by Load, and by callers of Read once their overrides are applied.
func (c *Config) Validate() error {
	if !slices.Contains(Modes(), c.Mode) {
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}
	e, err := effects.ParseEffect(c.Blur.Effect)
	if err != nil {
		return err
	}
	c.Blur.Effect = string(e)
	if _, err := c.Plan(); err != nil {
		return err
	}
	if c.Blur.TileSize <= 0 {
		return fmt.Errorf("invalid tile size: %d", c.Blur.TileSize)
	}
	if c.Blur.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Blur.Workers)
	}
	if c.Blur.MaxDimension < 0 {
		return fmt.Errorf("invalid max dimension: %d", c.Blur.MaxDimension)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// Plan resolves the configured effect to the validated list of radii it
// applies.
func (c *Config) Plan() ([]int, error) {
	e, err := effects.ParseEffect(c.Blur.Effect)
	if err != nil {
		return nil, err
	}
	plan, err := effects.Plan(e, c.Blur.Radius, c.Blur.Steps)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, &stackblur.Error{
			Kind:   stackblur.ErrInvalidArgument,
			Detail: fmt.Sprintf("effect %q with %d steps applies no blur", e, c.Blur.Steps),
		}
	}
	if err := effects.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}
