package common

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	OpenAI    OpenAIConfig    `toml:"openai"`
	Ollama    OllamaConfig    `toml:"ollama"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Extract   ExtractConfig   `toml:"extract"`
	History   HistoryConfig   `toml:"history"`
}

// OpenAIConfig holds settings for the cloud adapter.
type OpenAIConfig struct {
	APIKey      string        `toml:"api_key"`
	BaseURL     string        `toml:"base_url"`
	Model       string        `toml:"model"`
	Temperature float32       `toml:"temperature"`
	Timeout     time.Duration `toml:"-"` // env-only (OPENAI_TIMEOUT)
}

// OllamaConfig holds settings for the local-inference adapter.
type OllamaConfig struct {
	BaseURL string        `toml:"base_url"`
	Model   string        `toml:"model"`
	Timeout time.Duration `toml:"-"` // env-only (OLLAMA_TIMEOUT)
}

// RateLimitConfig holds the shared limiter ceilings. Zero means unlimited.
type RateLimitConfig struct {
	RequestsPerMinute  int `toml:"requests_per_minute"`
	ConcurrentRequests int `toml:"concurrent_requests"`
	TokensPerRequest   int `toml:"tokens_per_request"`
}

// ExtractConfig holds extractor tool paths and OCR settings.
type ExtractConfig struct {
	Pdftotext     string `toml:"pdftotext"`
	Pdftoppm      string `toml:"pdftoppm"`
	Tesseract     string `toml:"tesseract"`
	TesseractLang string `toml:"tesseract_lang"`
	DPI           int    `toml:"dpi"`
	MaxPages      int    `toml:"max_pages"`
}

// HistoryConfig controls the processing-history store. Empty path disables it.
type HistoryConfig struct {
	DBPath string `toml:"db_path"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
		},
		Ollama: OllamaConfig{
			BaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:   getEnv("OLLAMA_MODEL", "llama3.2"),
			Timeout: getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:  getEnvAsInt("RATE_REQUESTS_PER_MINUTE", 60),
			ConcurrentRequests: getEnvAsInt("RATE_CONCURRENT_REQUESTS", 5),
			TokensPerRequest:   getEnvAsInt("RATE_TOKENS_PER_REQUEST", 0),
		},
		Extract: ExtractConfig{
			Pdftotext:     getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pdftoppm:      getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:     getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang: getEnv("TESSERACT_LANG", "eng"),
			DPI:           getEnvAsInt("EXTRACT_DPI", 300),
			MaxPages:      getEnvAsInt("EXTRACT_MAX_PAGES", 0),
		},
		History: HistoryConfig{
			DBPath: getEnv("HISTORY_DB_PATH", ""),
		},
	}
}

// LoadConfigFile loads a TOML file and applies environment overrides on top,
// so a checked-in file never wins over the process environment.
func LoadConfigFile(path string) (*Config, error) {
	cfg := LoadConfig()
	if path == "" {
		return cfg, nil
	}
	fileCfg := &Config{}
	md, err := toml.DecodeFile(path, fileCfg)
	if err != nil {
		return nil, WrapError(err, "decode config file")
	}
	mergeConfig(fileCfg, cfg, md)
	return fileCfg, nil
}

// mergeConfig copies env-derived values into dst for every key the file did
// not define. Key presence comes from the decoder's MetaData so an explicit
// zero in the file (a ceiling set to unlimited) is kept, not replaced by the
// env default.
func mergeConfig(dst, env *Config, md toml.MetaData) {
	if !md.IsDefined("openai", "api_key") {
		dst.OpenAI.APIKey = env.OpenAI.APIKey
	}
	if !md.IsDefined("openai", "base_url") {
		dst.OpenAI.BaseURL = env.OpenAI.BaseURL
	}
	if !md.IsDefined("openai", "model") {
		dst.OpenAI.Model = env.OpenAI.Model
	}
	if !md.IsDefined("openai", "temperature") {
		dst.OpenAI.Temperature = env.OpenAI.Temperature
	}
	dst.OpenAI.Timeout = env.OpenAI.Timeout // env-only
	if !md.IsDefined("ollama", "base_url") {
		dst.Ollama.BaseURL = env.Ollama.BaseURL
	}
	if !md.IsDefined("ollama", "model") {
		dst.Ollama.Model = env.Ollama.Model
	}
	dst.Ollama.Timeout = env.Ollama.Timeout // env-only
	if !md.IsDefined("rate_limit", "requests_per_minute") {
		dst.RateLimit.RequestsPerMinute = env.RateLimit.RequestsPerMinute
	}
	if !md.IsDefined("rate_limit", "concurrent_requests") {
		dst.RateLimit.ConcurrentRequests = env.RateLimit.ConcurrentRequests
	}
	if !md.IsDefined("rate_limit", "tokens_per_request") {
		dst.RateLimit.TokensPerRequest = env.RateLimit.TokensPerRequest
	}
	if !md.IsDefined("extract", "pdftotext") {
		dst.Extract.Pdftotext = env.Extract.Pdftotext
	}
	if !md.IsDefined("extract", "pdftoppm") {
		dst.Extract.Pdftoppm = env.Extract.Pdftoppm
	}
	if !md.IsDefined("extract", "tesseract") {
		dst.Extract.Tesseract = env.Extract.Tesseract
	}
	if !md.IsDefined("extract", "tesseract_lang") {
		dst.Extract.TesseractLang = env.Extract.TesseractLang
	}
	if !md.IsDefined("extract", "dpi") {
		dst.Extract.DPI = env.Extract.DPI
	}
	if !md.IsDefined("extract", "max_pages") {
		dst.Extract.MaxPages = env.Extract.MaxPages
	}
	if !md.IsDefined("history", "db_path") {
		dst.History.DBPath = env.History.DBPath
	}
}

// Validate checks the fields a processing run cannot do without.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" && c.Ollama.BaseURL == "" {
		return E(KindInvalidRequest, "no provider configured: set OPENAI_API_KEY or OLLAMA_BASE_URL", nil)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.ConcurrentRequests < 0 || c.RateLimit.TokensPerRequest < 0 {
		return E(KindInvalidRequest, "rate limit ceilings must be >= 0", nil)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
