// Package config provides the configuration schema, loader, and provider registry
// for goftegu.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OutputBackend selects the speaker implementation.
type OutputBackend string

const (
	// OutputMalgo plays through miniaudio, the same library that captures.
	OutputMalgo OutputBackend = "malgo"

	// OutputOto plays through oto.
	OutputOto OutputBackend = "oto"
)

// IsValid reports whether o is a recognised output backend.
func (o OutputBackend) IsValid() bool {
	return o == OutputMalgo || o == OutputOto
}

// Duration is a [time.Duration] that decodes from YAML strings such as "40ms".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Voice       VoiceConfig       `yaml:"voice"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
}

// ServerConfig holds the local HTTP binding and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the UI binding listens on.
	// Default: [DefaultListenAddr].
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CredentialsConfig names where the API credential comes from.
type CredentialsConfig struct {
	// APIKeyEnv is the environment variable holding the API key.
	// Default: [DefaultAPIKeyEnv], falling back to [FallbackAPIKeyEnv].
	APIKeyEnv string `yaml:"api_key_env"`
}

// ProvidersConfig declares which provider implementation backs text chat and
// which backs the voice session. Each entry selects a named provider
// registered in the [Registry].
type ProvidersConfig struct {
	Chat ProviderEntry `yaml:"chat"`
	Live ProviderEntry `yaml:"live"`

	// ChatFallbacks are tried in order when the chat provider cannot open a
	// stream or its circuit breaker is open.
	ChatFallbacks []ProviderEntry `yaml:"chat_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey overrides the process-wide credential for this provider.
	// It is filled from the environment by [ResolveAPIKey] when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or def when it is missing
// or not a string.
func (e ProviderEntry) OptionString(key, def string) string {
	if s, ok := e.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionInt returns Options[key] as an int, or def when it is missing or not
// a number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// VoiceConfig tunes the audio pipeline of the voice session.
type VoiceConfig struct {
	// InputSampleRate is the capture rate sent upstream. Default 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of the audio the voice API returns. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per captured frame. Default 4096.
	FrameSize int `yaml:"frame_size"`

	// RevealInterval paces the typewriter reveal of the bot transcript. Default 40ms.
	RevealInterval Duration `yaml:"reveal_interval"`

	// Output selects the speaker backend. Default malgo.
	Output OutputBackend `yaml:"output"`

	// Instructions is the system instruction of the voice session.
	Instructions string `yaml:"instructions"`
}

// ResilienceConfig tunes the circuit breakers in front of every provider.
// Zero values select the breaker defaults.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures that open a breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects calls.
	ResetTimeout Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of trial calls after the reset timeout.
	HalfOpenMax int `yaml:"half_open_max"`
}
