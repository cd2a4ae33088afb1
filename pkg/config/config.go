package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

// Config is the daemon configuration. Field names map to the snake_case
// keys of the TOML file.
type Config struct {
	Comfyui_url         string
	Api_timeout         uint
	Poll_interval       uint
	Max_concurrent      uint
	Vram_threshold_gb   float64
	Vram_check_interval uint

	Max_batch_size      uint
	Static_width        int
	Static_height       int
	Max_image_dimension int

	Workflows_path   string
	Prompts_path     string
	Db_path          string
	Preferences_file string
	Admins_file      string

	Prompt_prefix    string
	Default_negative string
	Default_model    string
	Flagship_model   string
	Models           map[string]string

	Owner_id   string
	Admin_role string

	Log_level  string
	Jwt_secret string
	Api_listen string

	Service map[string]map[string]string
}

// Default returns the built-in configuration. File values override it.
func Default() *Config {
	return &Config{
		Comfyui_url:         "http://127.0.0.1:8188",
		Api_timeout:         120,
		Poll_interval:       1,
		Max_concurrent:      2,
		Vram_threshold_gb:   20,
		Vram_check_interval: 1,
		Max_batch_size:      5,
		Static_width:        1024,
		Static_height:       1024,
		Max_image_dimension: 3000,
		Workflows_path:      "workflows",
		Prompts_path:        "prompts",
		Db_path:             "guild_stats.db",
		Preferences_file:    "user_preferences.json",
		Admins_file:         "admins.json",
		Prompt_prefix:       "embedding:SimplePositiveXLv2,",
		Default_negative:    "embedding:DeepNegative_xl_v1",
		Default_model:       "uncanny",
		Flagship_model:      "uncanny",
		Models: map[string]string{
			"uncanny": "uncannyValleyXL_v30.safetensors",
			"indigo":  "indigoFusionXL_v20.safetensors",
		},
		Log_level: "info",
	}
}

// Load reads a TOML file on top of the defaults.
func Load(configspath string, filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(configspath, filename))
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

// Timeout is the per-request deadline for one full generation.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Api_timeout) * time.Second
}

// PollInterval is the pause between backend history polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll_interval) * time.Second
}

// VramInterval is the pause between resource monitor samples.
func (c *Config) VramInterval() time.Duration {
	return time.Duration(c.Vram_check_interval) * time.Second
}
