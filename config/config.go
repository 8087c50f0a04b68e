// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/cartesi-corp/rollup-manager/log"
)

// Config contains the CLI configuration.
type Config struct {
	Manager *ManagerConfig `koanf:"manager"`
	Log     *LogConfig     `koanf:"log"`
	Metrics *MetricsConfig `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Manager != nil {
		if err := cfg.Manager.Validate(); err != nil {
			return fmt.Errorf("manager: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// ManagerConfig is the configuration for the rollup machine manager service.
type ManagerConfig struct {
	// ManagerAddress is the address the manager listens on for client RPCs
	// (host:port or unix:<path>).
	ManagerAddress string `koanf:"manager_address"`

	// ServerAddress is the address suggested to spawned machine-server
	// children (host:port or unix:<path>); they may bind elsewhere and
	// report their real address on CheckIn.
	ServerAddress string `koanf:"server_address"`

	// MachineServerPath is the path to the cartesi-machine-server binary
	// spawned per session.
	MachineServerPath string `koanf:"machine_server_path"`

	// Deadlines are per-call RPC deadlines validated at startup. StartSession
	// does not fall back to them: each session uses, and validates, the
	// deadlines carried by its own request.
	Deadlines DeadlineConfig `koanf:"deadlines"`

	// Cycles are cycle budgets validated at startup. StartSession does not
	// fall back to them: each session uses, and validates, the cycles
	// carried by its own request.
	Cycles CyclesConfig `koanf:"cycles"`
}

// Validate validates the manager configuration.
func (cfg *ManagerConfig) Validate() error {
	if cfg.ManagerAddress == "" {
		return fmt.Errorf("malformed manager address '%s'", cfg.ManagerAddress)
	}
	if cfg.MachineServerPath == "" {
		return fmt.Errorf("no machine-server path provided")
	}
	if err := cfg.Deadlines.Validate(); err != nil {
		return fmt.Errorf("deadlines: %w", err)
	}
	return cfg.Cycles.Validate()
}

// DeadlineConfig holds the per-call deadlines applied to outgoing
// machine-server RPCs, and the wall-clock budgets for a whole
// AdvanceState/InspectState call versus one increment of its run loop.
type DeadlineConfig struct {
	CheckIn                time.Duration `koanf:"checkin"`
	UpdateMerkleTree       time.Duration `koanf:"update_merkle_tree"`
	AdvanceState           time.Duration `koanf:"advance_state"`
	AdvanceStateIncrement  time.Duration `koanf:"advance_state_increment"`
	InspectState           time.Duration `koanf:"inspect_state"`
	InspectStateIncrement  time.Duration `koanf:"inspect_state_increment"`
	Machine                time.Duration `koanf:"machine"`
	Store                  time.Duration `koanf:"store"`
	Fast                   time.Duration `koanf:"fast"`
}

// Validate validates the deadline configuration.
func (cfg *DeadlineConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"checkin":                 cfg.CheckIn,
		"update_merkle_tree":      cfg.UpdateMerkleTree,
		"advance_state":           cfg.AdvanceState,
		"advance_state_increment": cfg.AdvanceStateIncrement,
		"inspect_state":           cfg.InspectState,
		"inspect_state_increment": cfg.InspectStateIncrement,
		"machine":                 cfg.Machine,
		"store":                   cfg.Store,
		"fast":                    cfg.Fast,
	} {
		if d <= 0 {
			return fmt.Errorf("deadline %q must be positive, got %v", name, d)
		}
	}
	if cfg.AdvanceState < cfg.AdvanceStateIncrement {
		return fmt.Errorf("advance_state deadline (%v) must be >= advance_state_increment deadline (%v)", cfg.AdvanceState, cfg.AdvanceStateIncrement)
	}
	if cfg.InspectState < cfg.InspectStateIncrement {
		return fmt.Errorf("inspect_state deadline (%v) must be >= inspect_state_increment deadline (%v)", cfg.InspectState, cfg.InspectStateIncrement)
	}
	return nil
}

// CyclesConfig holds the cycle budgets and increments for AdvanceState and
// InspectState, both of which must observe advance_state/inspect_state >=
// increment > 0.
type CyclesConfig struct {
	MaxAdvanceState        uint64 `koanf:"max_advance_state"`
	AdvanceStateIncrement  uint64 `koanf:"advance_state_increment"`
	MaxInspectState        uint64 `koanf:"max_inspect_state"`
	InspectStateIncrement  uint64 `koanf:"inspect_state_increment"`
}

// Validate validates the cycles configuration.
func (cfg *CyclesConfig) Validate() error {
	if cfg.AdvanceStateIncrement == 0 || cfg.MaxAdvanceState < cfg.AdvanceStateIncrement {
		return fmt.Errorf("invalid advance_state cycles: max=%d increment=%d", cfg.MaxAdvanceState, cfg.AdvanceStateIncrement)
	}
	if cfg.InspectStateIncrement == 0 || cfg.MaxInspectState < cfg.InspectStateIncrement {
		return fmt.Errorf("invalid inspect_state cycles: max=%d increment=%d", cfg.MaxInspectState, cfg.InspectStateIncrement)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file. An empty path loads no
// file, leaving environment overrides and DefaultConfig alone; a non-empty
// path that cannot be loaded is an error.
func InitConfig(f string) (*Config, error) {
	config := DefaultConfig()
	k := koanf.New(".")

	if f != "" {
		if err := k.Load(file.Provider(f), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("ROLLUP_MANAGER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ROLLUP_MANAGER_")
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	if err := k.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns the configuration used when no config file and no
// environment overrides are present. Its deadlines and cycles pass
// validation but are not applied to sessions; StartSession takes those
// from its request.
func DefaultConfig() *Config {
	return &Config{
		Manager: &ManagerConfig{
			Deadlines: DeadlineConfig{
				CheckIn:               10 * time.Second,
				UpdateMerkleTree:      5 * time.Second,
				AdvanceState:          10 * time.Second,
				AdvanceStateIncrement: 2 * time.Second,
				InspectState:          10 * time.Second,
				InspectStateIncrement: 2 * time.Second,
				Machine:               5 * time.Second,
				Store:                 30 * time.Second,
				Fast:                  5 * time.Second,
			},
			Cycles: CyclesConfig{
				MaxAdvanceState:       1 << 30,
				AdvanceStateIncrement: 1 << 22,
				MaxInspectState:       1 << 30,
				InspectStateIncrement: 1 << 22,
			},
		},
		Log: &LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}
