package machine

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Conduct describes how a simulated core reacts to the startup handshake.
type Conduct string

const (
	// ConductOK makes the core enter the kernel on its first startup
	// signal.
	ConductOK Conduct = "ok"

	// ConductDead makes the core swallow every signal without starting.
	ConductDead Conduct = "dead"

	// ConductSlow makes the core start only after the configured slow
	// delay, typically chosen to overshoot the kernel's poll window.
	ConductSlow Conduct = "slow"
)

// CoreConfig describes a single simulated core.
type CoreConfig struct {
	// APICID is the hardware identity of the core's interrupt
	// controller. IDs must be unique within a machine.
	APICID uint8 `yaml:"apic_id"`

	// Bootstrap marks the core the kernel boots on. Exactly one core
	// must carry it.
	Bootstrap bool `yaml:"bootstrap,omitempty"`

	// Conduct defaults to ConductOK when empty.
	Conduct Conduct `yaml:"conduct,omitempty"`

	// Disabled lists the core in the firmware tables with its enabled
	// flag cleared, mimicking a fused-off or hot-removable socket.
	Disabled bool `yaml:"disabled,omitempty"`
}

func (c CoreConfig) conduct() Conduct {
	if c.Conduct == "" {
		return ConductOK
	}

	return c.Conduct
}

// Config describes a simulated platform.
type Config struct {
	Cores []CoreConfig `yaml:"cores"`

	// LocalAPIC controls whether the CPU identification leaf advertises
	// a local interrupt controller.
	LocalAPIC bool `yaml:"local_apic"`

	// FirmwareTables controls whether the machine publishes a core table
	// for the kernel to discover.
	FirmwareTables bool `yaml:"firmware_tables"`

	// SlowDelayMillis is the start delay of ConductSlow cores. A zero
	// value picks a delay just beyond the kernel's one second poll
	// window.
	SlowDelayMillis int `yaml:"slow_delay_millis,omitempty"`
}

// DefaultConfig returns a four core machine where every core responds
// promptly and the firmware publishes the core table.
func DefaultConfig() Config {
	return Config{
		Cores: []CoreConfig{
			{APICID: 0, Bootstrap: true},
			{APICID: 1},
			{APICID: 2},
			{APICID: 3},
		},
		LocalAPIC:      true,
		FirmwareTables: true,
	}
}

// LoadConfig reads and validates a machine description from a YAML file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to open machine config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the machine description for contradictions.
func (c Config) Validate() error {
	if len(c.Cores) == 0 {
		return fmt.Errorf("machine config: at least one core is required")
	}

	var bootstraps int
	seen := make(map[uint8]bool)
	for i, core := range c.Cores {
		if seen[core.APICID] {
			return fmt.Errorf("machine config: duplicate apic_id %d", core.APICID)
		}
		seen[core.APICID] = true

		switch core.conduct() {
		case ConductOK, ConductDead, ConductSlow:
		default:
			return fmt.Errorf("machine config: core %d: unknown conduct %q", i, core.Conduct)
		}

		if !core.Bootstrap {
			continue
		}

		bootstraps++
		if core.conduct() != ConductOK {
			return fmt.Errorf("machine config: the bootstrap core cannot be %q", core.conduct())
		}
		if core.Disabled {
			return fmt.Errorf("machine config: the bootstrap core cannot be disabled")
		}
	}

	if bootstraps != 1 {
		return fmt.Errorf("machine config: exactly one bootstrap core is required, found %d", bootstraps)
	}

	return nil
}
