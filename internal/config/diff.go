package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// switches immediately, while schedule and audio changes apply to sessions
// opened after the reload. Provider and server changes need a restart and
// are deliberately not represented here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DecodeChanged is true if any decode schedule field changed.
	DecodeChanged bool
	NewDecode     DecodeConfig

	// AudioChanged is true if the input format or a sample rate changed.
	AudioChanged bool
	NewAudio     AudioConfig
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DecodeChanged && !d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Decode != new.Decode {
		d.DecodeChanged = true
		d.NewDecode = new.Decode
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
		d.NewAudio = new.Audio
	}

	return d
}
