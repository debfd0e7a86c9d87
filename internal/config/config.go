package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	LLM          LLMConfig          `json:"llm"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Plate        PlateConfig        `json:"plate"`
	Measurement  MeasurementConfig  `json:"measurement"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LLMConfig selects the language/vision model backend
type LLMConfig struct {
	Backend     string `json:"backend"`
	URL         string `json:"url"`
	APIKey      string `json:"api_key,omitempty"`
	VisionModel string `json:"vision_model"`
	TextModel   string `json:"text_model"`
	SendMaxDim  int    `json:"send_max_dim"`
}

// SegmentationConfig points at the hosted segmentation model
type SegmentationConfig struct {
	APIURL       string `json:"api_url"`
	APIToken     string `json:"api_token,omitempty"`
	ModelVersion string `json:"model_version"`
}

// PlateConfig holds the assumed serving geometry
type PlateConfig struct {
	DiameterCm float64 `json:"diameter_cm"`
	HeightCm   float64 `json:"height_cm"`
}

// MeasurementConfig holds the displayed-image grid used for pixel fractions
type MeasurementConfig struct {
	DisplayMaxDim int `json:"display_max_dim"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		LLM: LLMConfig{
			Backend:     "ollama",
			URL:         "http://localhost:11434",
			VisionModel: "llava:13b",
			TextModel:   "llama3.1:8b",
			SendMaxDim:  1024,
		},
		Segmentation: SegmentationConfig{
			APIURL: "https://api.replicate.com/v1",
		},
		Plate: PlateConfig{
			DiameterCm: 25,
			HeightCm:   2.5,
		},
		Measurement: MeasurementConfig{
			DisplayMaxDim: 1024,
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load builds the process configuration: defaults, then the JSON file at path
// when given, then .env files, then the environment
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) error {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}

	str("PORTION_HTTP_ADDR", &c.Server.Addr)
	str("PORTION_LLM_BACKEND", &c.LLM.Backend)
	str("PORTION_LLM_URL", &c.LLM.URL)
	str("PORTION_LLM_API_KEY", &c.LLM.APIKey)
	str("PORTION_VISION_MODEL", &c.LLM.VisionModel)
	str("PORTION_TEXT_MODEL", &c.LLM.TextModel)
	str("REPLICATE_API_URL", &c.Segmentation.APIURL)
	str("REPLICATE_API_TOKEN", &c.Segmentation.APIToken)
	str("SEGMENTATION_MODEL_VERSION", &c.Segmentation.ModelVersion)

	if err := num("PLATE_DIAMETER_CM", &c.Plate.DiameterCm); err != nil {
		return err
	}
	if err := num("ASSUMED_HEIGHT_CM", &c.Plate.HeightCm); err != nil {
		return err
	}
	if v, ok := lookup("DISPLAY_MAX_DIM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPLAY_MAX_DIM: %w", err)
		}
		c.Measurement.DisplayMaxDim = n
	}
	return nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	switch c.LLM.Backend {
	case "ollama", "llamacpp", "openai":
	default:
		return fmt.Errorf("llm.backend must be ollama, llamacpp or openai, got %q", c.LLM.Backend)
	}

	if c.LLM.VisionModel == "" || c.LLM.TextModel == "" {
		return fmt.Errorf("llm.vision_model and llm.text_model are required")
	}

	if c.Segmentation.APIURL == "" {
		return fmt.Errorf("segmentation.api_url cannot be empty")
	}

	if c.Plate.DiameterCm <= 0 {
		return fmt.Errorf("plate.diameter_cm must be positive")
	}

	if c.Plate.HeightCm <= 0 {
		return fmt.Errorf("plate.height_cm must be positive")
	}

	if c.Measurement.DisplayMaxDim < 0 {
		return fmt.Errorf("measurement.display_max_dim cannot be negative")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "food-portion", "config.json")
}
