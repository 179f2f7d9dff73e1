package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	DummyMode bool   `json:"dummy_mode"`
	HTTP      struct {
		Listen         string `json:"listen"`
		APIKey         string `json:"api_key"`
		RequestTimeout string `json:"request_timeout"`
	} `json:"http"`
	Extraction struct {
		WordThreshold int    `json:"word_threshold"`
		MaxInterval   string `json:"max_interval"`
	} `json:"extraction"`
	Dispatch struct {
		MaxConcurrent int `json:"max_concurrent"`
	} `json:"dispatch"`
	Fanout struct {
		QueueSize int `json:"queue_size"`
		PubSub    struct {
			ProjectID          string `json:"project_id"`
			Topic              string `json:"topic"`
			SubscriptionPrefix string `json:"subscription_prefix"`
		} `json:"pubsub"`
	} `json:"fanout"`
	LLM struct {
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	FHIR struct {
		BaseURLs []string `json:"base_urls"`
	} `json:"fhir"`
	Voice struct {
		BaseURL        string `json:"base_url"`
		APIKey         string `json:"api_key"`
		AgentID        string `json:"agent_id"`
		PhoneNumberID  string `json:"phone_number_id"`
		CallsEnabled   bool   `json:"calls_enabled"`
		CallbackNumber string `json:"callback_number"`
		RecordsEmail   string `json:"records_email"`
		LookupBaseURL  string `json:"lookup_base_url"`
		LookupAPIKey   string `json:"lookup_api_key"`
		LookupModel    string `json:"lookup_model"`
	} `json:"voice"`
	Telegram struct {
		Token   string  `json:"token"`
		ChatIDs []int64 `json:"chat_ids"`
	} `json:"telegram"`
	Notify struct {
		Targets []string `json:"targets"`
	} `json:"notify"`
	Sweep struct {
		Schedule   string `json:"schedule"`
		StaleAfter string `json:"stale_after"`
	} `json:"sweep"`
}

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".relay"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = ":8080"
	cfg.HTTP.RequestTimeout = "60s"
	cfg.Extraction.WordThreshold = 20
	cfg.Extraction.MaxInterval = "2s"
	cfg.Dispatch.MaxConcurrent = 4
	cfg.Fanout.QueueSize = 64
	cfg.Fanout.PubSub.SubscriptionPrefix = "relay-case-events-"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.FHIR.BaseURLs = []string{"https://launch.smarthealthit.org/v/r4/fhir"}
	cfg.Voice.BaseURL = "https://api.elevenlabs.io"
	cfg.Voice.LookupBaseURL = "https://api.perplexity.ai"
	cfg.Voice.LookupModel = "sonar"
	cfg.Sweep.Schedule = "@every 5m"
	cfg.Sweep.StaleAfter = "2h"
	return cfg
}

// Load reads the config file at path, writing defaults if it does not
// exist. A .env file next to the config or in the working directory is
// loaded first; environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("failed to load env file", "path", p, "error", err)
		}
	}
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.DataDir, "RELAY_DATA_DIR")
	setString(&cfg.HTTP.Listen, "RELAY_LISTEN")
	setString(&cfg.HTTP.APIKey, "RELAY_API_KEY")
	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Voice.APIKey, "ELEVENLABS_API_KEY")
	setString(&cfg.Voice.AgentID, "ELEVENLABS_AGENT_ID")
	setString(&cfg.Voice.PhoneNumberID, "ELEVENLABS_PHONE_NUMBER_ID")
	setString(&cfg.Voice.LookupAPIKey, "PERPLEXITY_API_KEY")
	setString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Fanout.PubSub.ProjectID, "GOOGLE_CLOUD_PROJECT")
	setString(&cfg.Fanout.PubSub.Topic, "PUBSUB_TOPIC")

	if v := os.Getenv("FHIR_BASE_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.FHIR.BaseURLs = urls
	}
	if v := os.Getenv("DUMMY_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DummyMode = b
		}
	}
	if v := os.Getenv("CALLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Voice.CallsEnabled = b
		}
	}
}

// Duration parses s, returning def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration in config, using default", "value", s, "default", def)
		return def
	}
	return d
}

// NotifyTargets returns the configured delivery targets plus one
// telegram target per chat id.
func (c *Config) NotifyTargets() []string {
	targets := append([]string(nil), c.Notify.Targets...)
	for _, id := range c.Telegram.ChatIDs {
		targets = append(targets, "telegram:"+strconv.FormatInt(id, 10))
	}
	return targets
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a generic nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value keyed by its dotted name.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value for a dotted key from the file at path.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in the file at path. Values
// that parse as JSON keep their type; anything else is stored as a string.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}
