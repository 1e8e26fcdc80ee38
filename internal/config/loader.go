package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Built-in defaults.
const (
	DefaultListenAddr     = "127.0.0.1:8780"
	DefaultAPIKeyEnv      = "API_KEY"
	FallbackAPIKeyEnv     = "GEMINI_API_KEY"
	DefaultChatProvider   = "gemini"
	DefaultChatModel      = "gemini-2.5-flash"
	DefaultThinkingModel  = "gemini-2.5-pro"
	DefaultThinkingBudget = 32768
	DefaultLiveProvider   = "gemini-live"
	DefaultLiveModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice          = "Zephyr"
	DefaultRevealInterval = 40 * time.Millisecond

	// DefaultInstructions is the system instruction of the voice session.
	DefaultInstructions = "You are a highly advanced, articulate AI assistant named Gemini. " +
		"Your goal is to provide an exceptionally natural and fluid conversational experience. " +
		"Listen carefully, be thoughtful in your responses, and maintain a friendly, professional, and engaging tone. " +
		"Speak clearly and eloquently in Persian. Avoid being overly robotic; aim for a human-like interaction."
)

// ErrMissingAPIKey is returned by [ResolveAPIKey] when no credential is set.
var ErrMissingAPIKey = errors.New("config: API key not set")

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"chat": {"gemini", "anyllm", "openai"},
	"live": {"gemini-live"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its built-in default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Credentials.APIKeyEnv == "" {
		cfg.Credentials.APIKeyEnv = DefaultAPIKeyEnv
	}

	chat := &cfg.Providers.Chat
	if chat.Name == "" {
		chat.Name = DefaultChatProvider
	}
	if chat.Model == "" && chat.Name == DefaultChatProvider {
		chat.Model = DefaultChatModel
	}

	live := &cfg.Providers.Live
	if live.Name == "" {
		live.Name = DefaultLiveProvider
	}
	if live.Model == "" {
		live.Model = DefaultLiveModel
	}

	v := &cfg.Voice
	if v.InputSampleRate == 0 {
		v.InputSampleRate = 16000
	}
	if v.OutputSampleRate == 0 {
		v.OutputSampleRate = 24000
	}
	if v.FrameSize == 0 {
		v.FrameSize = 4096
	}
	if v.RevealInterval == 0 {
		v.RevealInterval = Duration(DefaultRevealInterval)
	}
	if v.Output == "" {
		v.Output = OutputMalgo
	}
	if v.Instructions == "" {
		v.Instructions = DefaultInstructions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Providers.Live.Name)

	errs = append(errs, validateChatEntry("providers.chat", cfg.Providers.Chat)...)
	for i, e := range cfg.Providers.ChatFallbacks {
		key := fmt.Sprintf("providers.chat_fallbacks[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", key))
			continue
		}
		errs = append(errs, validateChatEntry(key, e)...)
	}
	if b := cfg.Providers.Chat.OptionInt("thinking_budget", DefaultThinkingBudget); b < 0 {
		errs = append(errs, fmt.Errorf("providers.chat.options.thinking_budget %d must not be negative", b))
	}

	v := cfg.Voice
	if v.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.input_sample_rate %d must be positive", v.InputSampleRate))
	}
	if v.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.output_sample_rate %d must be positive", v.OutputSampleRate))
	}
	if v.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must be positive", v.FrameSize))
	}
	if v.RevealInterval < 0 {
		errs = append(errs, fmt.Errorf("voice.reveal_interval %s must not be negative", v.RevealInterval.Std()))
	}
	if v.Output != "" && !v.Output.IsValid() {
		errs = append(errs, fmt.Errorf("voice.output %q is invalid; valid values: malgo, oto", v.Output))
	}

	r := cfg.Resilience
	if r.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", r.MaxFailures))
	}
	if r.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", r.ResetTimeout.Std()))
	}
	if r.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", r.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// validateChatEntry checks one chat provider entry found under key.
func validateChatEntry(key string, e ProviderEntry) []error {
	validateProviderName("chat", e.Name)

	var errs []error
	if e.Name == "anyllm" && e.OptionString("backend", "") == "" {
		errs = append(errs, fmt.Errorf("%s.options.backend is required when name is anyllm", key))
	}
	if e.Name != DefaultChatProvider && e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required for provider %q", key, e.Name))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// LoadDotEnv loads KEY=value pairs from the .env files in paths into the
// process environment. Missing files are skipped. Variables that are already
// set keep their value.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env file: %w", err)
	}
	return nil
}

// ResolveAPIKey reads the credential once and copies it into every provider
// entry without its own api_key. The variable named by
// credentials.api_key_env is tried first, then [FallbackAPIKeyEnv].
// lookup is usually [os.LookupEnv].
func ResolveAPIKey(cfg *Config, lookup func(string) (string, bool)) (string, error) {
	names := []string{cfg.Credentials.APIKeyEnv}
	if names[0] == "" {
		names[0] = DefaultAPIKeyEnv
	}
	if names[0] != FallbackAPIKeyEnv {
		names = append(names, FallbackAPIKeyEnv)
	}

	var key string
	for _, n := range names {
		if v, ok := lookup(n); ok && v != "" {
			key = v
			break
		}
	}
	if key == "" {
		if cfg.Providers.Chat.APIKey != "" && cfg.Providers.Live.APIKey != "" {
			return cfg.Providers.Chat.APIKey, nil
		}
		return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, names[0])
	}
	entries := []*ProviderEntry{&cfg.Providers.Chat, &cfg.Providers.Live}
	for i := range cfg.Providers.ChatFallbacks {
		entries = append(entries, &cfg.Providers.ChatFallbacks[i])
	}
	for _, e := range entries {
		if e.APIKey == "" {
			e.APIKey = key
		}
	}
	return key, nil
}
