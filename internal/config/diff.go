package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only the log level
// and the tier thresholds are applied live; every other change is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdsChanged bool
	NewThresholds     [4]float64

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdsChanged && len(d.RestartRequired) == 0
}

// Diff compares two validated configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Tiering.Thresholds, new.Tiering.Thresholds) {
		if th, err := new.Tiering.Array(); err == nil {
			d.ThresholdsChanged = true
			d.NewThresholds = th
		}
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"database", old.Database, new.Database},
		{"generation", old.Generation, new.Generation},
		{"comparison", old.Comparison, new.Comparison},
		{"evaluation", old.Evaluation, new.Evaluation},
		{"events", old.Events, new.Events},
		{"notify", old.Notify, new.Notify},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
