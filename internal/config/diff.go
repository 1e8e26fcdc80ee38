package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Everything else
// (listen address, provider names, audio formats) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChatModelsChanged is set when the chat model, thinking model or
	// thinking budget changed. Applies to the next message.
	ChatModelsChanged bool

	// LiveSessionChanged is set when the voice name or the voice
	// instructions changed. Applies to the next voice session.
	LiveSessionChanged bool

	// RequiresRestart lists the changed keys that are not hot-reloadable.
	RequiresRestart []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ChatModelsChanged || d.LiveSessionChanged || len(d.RequiresRestart) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Providers.Chat, new.Providers.Chat
	if oc.Model != nc.Model ||
		oc.OptionString("thinking_model", "") != nc.OptionString("thinking_model", "") ||
		oc.OptionInt("thinking_budget", 0) != nc.OptionInt("thinking_budget", 0) {
		d.ChatModelsChanged = true
	}

	ol, nl := old.Providers.Live, new.Providers.Live
	if ol.OptionString("voice", "") != nl.OptionString("voice", "") || old.Voice.Instructions != new.Voice.Instructions {
		d.LiveSessionChanged = true
	}

	restart := []struct {
		key     string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"credentials.api_key_env", old.Credentials.APIKeyEnv != new.Credentials.APIKeyEnv},
		{"providers.chat.name", oc.Name != nc.Name},
		{"providers.chat.base_url", oc.BaseURL != nc.BaseURL},
		{"providers.live.name", ol.Name != nl.Name},
		{"providers.live.model", ol.Model != nl.Model},
		{"providers.live.base_url", ol.BaseURL != nl.BaseURL},
		{"voice.input_sample_rate", old.Voice.InputSampleRate != new.Voice.InputSampleRate},
		{"voice.output_sample_rate", old.Voice.OutputSampleRate != new.Voice.OutputSampleRate},
		{"voice.frame_size", old.Voice.FrameSize != new.Voice.FrameSize},
		{"voice.reveal_interval", old.Voice.RevealInterval != new.Voice.RevealInterval},
		{"voice.output", old.Voice.Output != new.Voice.Output},
		{"providers.chat_fallbacks", !sameEntries(old.Providers.ChatFallbacks, new.Providers.ChatFallbacks)},
		{"resilience", old.Resilience != new.Resilience},
	}
	for _, r := range restart {
		if r.changed {
			d.RequiresRestart = append(d.RequiresRestart, r.key)
		}
	}

	return d
}

// sameEntries compares the fields of two entry lists that select a provider.
func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Model != b[i].Model || a[i].BaseURL != b[i].BaseURL {
			return false
		}
	}
	return true
}
