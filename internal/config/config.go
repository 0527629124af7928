// Package config loads service configuration from defaults, an optional YAML
// file, an optional .env file, and ATENDE_* environment overrides, in that
// order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Storage   StorageConfig   `yaml:"storage"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Business  BusinessConfig  `yaml:"business"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type WhatsAppConfig struct {
	APIURL        string `yaml:"api_url"`
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// KnowledgeSource names one file that feeds the shared context cache.
type KnowledgeSource struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type KnowledgeConfig struct {
	CacheDisplayName  string            `yaml:"cache_display_name"`
	SystemInstruction string            `yaml:"system_instruction"`
	Sources           []KnowledgeSource `yaml:"sources"`
}

type BusinessConfig struct {
	OpeningHour int    `yaml:"opening_hour"`
	ClosingHour int    `yaml:"closing_hour"`
	LogLevel    string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		WhatsApp: WhatsAppConfig{
			APIURL: "https://graph.facebook.com/v21.0",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Knowledge: KnowledgeConfig{
			CacheDisplayName: "Cache Estático",
		},
		Business: BusinessConfig{
			OpeningHour: 8,
			ClosingHour: 20,
			LogLevel:    "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "atende")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atende"
	}
	return filepath.Join(home, ".local", "share", "atende")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "atende", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "atende", "config.yaml")
}

// Load reads configuration for the running service. A missing config file or
// .env file is not an error; a missing Gemini API key is. WhatsApp
// credentials are checked by the server start path, so subcommands that only
// talk to the local process (status, stop, logs) work without them.
func Load() (Config, error) {
	return loadFrom(defaultConfigPath(), ".env")
}

// LoadFile reads configuration from an explicit YAML path, still applying
// environment overrides.
func LoadFile(path string) (Config, error) {
	return loadFrom(path, ".env")
}

func loadFrom(configPath, envPath string) (Config, error) {
	cfg := defaults()

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}

	// .env feeds the process environment before overrides are read.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading %s: %w", envPath, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. Set gemini.api_key or ATENDE_GEMINI_API_KEY")
	}

	return cfg, nil
}

// ValidateChannel checks the credentials the WhatsApp channel needs to send
// and receive messages.
func (c Config) ValidateChannel() error {
	if c.WhatsApp.AccessToken == "" {
		return fmt.Errorf("missing required config: WhatsApp access token. Set whatsapp.access_token or ATENDE_WHATSAPP_ACCESS_TOKEN")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envStr("ATENDE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	envInt("ATENDE_PORT", &cfg.Server.Port)
	envStr("ATENDE_GEMINI_API_KEY", &cfg.Gemini.APIKey)
	envStr("ATENDE_GEMINI_MODEL", &cfg.Gemini.Model)
	envStr("ATENDE_WHATSAPP_API_URL", &cfg.WhatsApp.APIURL)
	envStr("ATENDE_WHATSAPP_ACCESS_TOKEN", &cfg.WhatsApp.AccessToken)
	envStr("ATENDE_WHATSAPP_PHONE_NUMBER_ID", &cfg.WhatsApp.PhoneNumberID)
	envStr("ATENDE_WHATSAPP_VERIFY_TOKEN", &cfg.WhatsApp.VerifyToken)
	envStr("ATENDE_DATA_DIR", &cfg.Storage.DataDir)
	envInt("ATENDE_OPENING_HOUR", &cfg.Business.OpeningHour)
	envInt("ATENDE_CLOSING_HOUR", &cfg.Business.ClosingHour)
	envStr("ATENDE_LOG_LEVEL", &cfg.Business.LogLevel)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
