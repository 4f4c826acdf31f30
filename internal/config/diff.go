package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked individually;
// everything else is folded into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PollIntervalChanged bool
	NewPollInterval     time.Duration

	LocatorPolicyChanged bool
	ChartChanged         bool

	// RestartRequired is true when backend, advisor, history, recorder or
	// listen settings changed. Those are read once at startup.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PollIntervalChanged && !d.LocatorPolicyChanged &&
		!d.ChartChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.PollInterval != new.Playback.PollInterval {
		d.PollIntervalChanged = true
		d.NewPollInterval = new.Playback.PollInterval
	}
	d.LocatorPolicyChanged = old.Playback.LocatorPolicy != new.Playback.LocatorPolicy
	d.ChartChanged = old.Chart != new.Chart

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!slices.Equal(old.Server.WSOrigins, new.Server.WSOrigins) ||
		old.Backend != new.Backend ||
		old.History != new.History ||
		old.Recorder != new.Recorder ||
		!advisorEqual(old.Advisor, new.Advisor) {
		d.RestartRequired = true
	}
	return d
}

func advisorEqual(a, b AdvisorConfig) bool {
	if a.DisableBackend != b.DisableBackend || a.BackendMode != b.BackendMode ||
		a.OnsetThreshold != b.OnsetThreshold || !entryEqual(a.LLM, b.LLM) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// entryEqual compares the identifying fields of two entries. Options are not
// compared.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
