package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Prompt format names accepted in RELAY_PROMPT_FORMAT.
const (
	FormatChatML   = "chatml"
	FormatInstruct = "instruct"
)

const defaultSystemPrompt = "You're a helpful assistant. You provide concise answers unless prompted for more detail. You avoid providing lists, or advice unprompted."

// Config holds the full relay configuration. Loaded once at startup and
// passed down read-only; nothing reads the environment afterwards.
type Config struct {
	TelegramAPIBase string
	Timeout         int
	SleepSeconds    int
	AllowedUsers    []int64

	OpenAIAPIKey   string
	CompletionsURL string
	ModelName      string

	MaxTokens       int
	HistoryFraction float64
	PromptFormat    string
	SystemPrompt    string

	DBPath                 string
	PartialIntervalSeconds int
	RequestTimeoutSeconds  int
}

// HistoryBudget is the token ceiling for included history, a configured
// fraction of the context window.
func (c Config) HistoryBudget() int {
	return int(math.Round(float64(c.MaxTokens) * c.HistoryFraction))
}

// Load reads configuration from environment variables. Any invalid value is
// an error here, before the process accepts traffic.
func Load() (Config, error) {
	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if telegramToken == "" {
		return Config{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if openaiKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required in environment")
	}

	maxTokens, err := envIntOrDefault("MAX_TOKENS", 16000)
	if err != nil {
		return Config{}, err
	}
	if maxTokens <= 0 {
		return Config{}, fmt.Errorf("MAX_TOKENS must be positive, got %d", maxTokens)
	}

	fraction, err := envFloatOrDefault("HISTORY_BUDGET_FRACTION", 0.3)
	if err != nil {
		return Config{}, err
	}
	if fraction <= 0 || fraction >= 1 {
		return Config{}, fmt.Errorf("HISTORY_BUDGET_FRACTION must be in (0,1), got %v", fraction)
	}

	format := envOrDefault("RELAY_PROMPT_FORMAT", FormatChatML)
	if format != FormatChatML && format != FormatInstruct {
		return Config{}, fmt.Errorf("RELAY_PROMPT_FORMAT must be %q or %q, got %q", FormatChatML, FormatInstruct, format)
	}

	var allowed []int64
	if raw := envOrDefault("ALLOWED_USERS", "[]"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
			return Config{}, fmt.Errorf("ALLOWED_USERS must be a JSON array of user ids: %w", err)
		}
	}

	timeout, err := envIntOrDefault("TG_TIMEOUT", 30)
	if err != nil {
		return Config{}, err
	}
	sleepSeconds, err := envIntOrDefault("TG_SLEEP_SECONDS", 1)
	if err != nil {
		return Config{}, err
	}
	partialInterval, err := envIntOrDefault("RELAY_PARTIAL_INTERVAL_SECONDS", 3)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := envIntOrDefault("RELAY_REQUEST_TIMEOUT_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}

	return Config{
		TelegramAPIBase:        fmt.Sprintf("https://api.telegram.org/bot%s", telegramToken),
		Timeout:                timeout,
		SleepSeconds:           sleepSeconds,
		AllowedUsers:           allowed,
		OpenAIAPIKey:           openaiKey,
		CompletionsURL:         envOrDefault("RELAY_COMPLETIONS_URL", "https://api.openai.com/v1/completions"),
		ModelName:              envOrDefault("MODEL_NAME", "gpt-3.5-turbo-16k"),
		MaxTokens:              maxTokens,
		HistoryFraction:        fraction,
		PromptFormat:           format,
		SystemPrompt:           envOrDefault("RELAY_SYSTEM_PROMPT", defaultSystemPrompt),
		DBPath:                 envOrDefault("RELAY_DB_PATH", "/state/relay.db"),
		PartialIntervalSeconds: partialInterval,
		RequestTimeoutSeconds:  requestTimeout,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envFloatOrDefault(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}
