// Package config holds the engine settings, loaded from JSON and overridden
// by command line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
)

const (
	DefaultCodeBufferSize = 16 << 20
	DefaultGuestMemory    = 64 << 20
	DefaultMaxBlocks      = 1 << 16
	DefaultJumpCache      = 4096
	MinCodeBufferSize     = 4096
)

type Config struct {
	CodeBufferSize int    `json:"code_buffer_size"`
	MaxInsns       uint32 `json:"max_insns"`
	MaxBlocks      int    `json:"max_blocks"`
	JumpCacheSize  int    `json:"jump_cache_size"`
	Chaining       bool   `json:"chaining"`
	Machine        string `json:"machine"`
	// MaxSteps bounds one run on the emu machine; zero is unlimited.
	MaxSteps uint64 `json:"max_steps"`

	Capabilities string            `json:"capabilities"`
	Overrides    map[string]string `json:"capability_overrides,omitempty"`

	GuestMemory uint64 `json:"guest_memory"`
	StackSize   uint64 `json:"stack_size"`
	CPUs        int    `json:"cpus"`
	SingleStep  bool   `json:"single_step"`

	LogLevel   string `json:"log_level"`
	LogModules string `json:"log_modules"`
}

func Default() *Config {
	return &Config{
		CodeBufferSize: DefaultCodeBufferSize,
		MaxInsns:       0,
		MaxBlocks:      DefaultMaxBlocks,
		JumpCacheSize:  DefaultJumpCache,
		Chaining:       true,
		Machine:        "emu",
		Capabilities:   "probe",
		GuestMemory:    DefaultGuestMemory,
		StackSize:      1 << 20,
		CPUs:           1,
		LogLevel:       "info",
	}
}

// Load reads a JSON file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(data)
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	if c.CodeBufferSize < MinCodeBufferSize {
		return fmt.Errorf("code_buffer_size %d below %d", c.CodeBufferSize, MinCodeBufferSize)
	}
	if c.MaxInsns > ir.CFCountMask {
		return fmt.Errorf("max_insns %d above %d", c.MaxInsns, ir.CFCountMask)
	}
	if c.MaxBlocks < 0 || c.JumpCacheSize < 0 {
		return fmt.Errorf("negative table size")
	}
	if c.GuestMemory == 0 || c.GuestMemory%machine.PageSize != 0 {
		return fmt.Errorf("guest_memory 0x%x is not a positive page multiple", c.GuestMemory)
	}
	if c.StackSize%machine.PageSize != 0 || c.StackSize > c.GuestMemory {
		return fmt.Errorf("stack_size 0x%x does not fit guest memory", c.StackSize)
	}
	if c.CPUs < 1 {
		return fmt.Errorf("cpus %d, need at least one", c.CPUs)
	}
	if _, err := machine.Lookup(c.Machine); err != nil {
		return err
	}
	if _, err := c.CapabilityTable(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// CapabilityTable builds the configured profile with its overrides.
func (c *Config) CapabilityTable() (*capability.Table, error) {
	t, ok := capability.Profile(c.Capabilities)
	if !ok {
		return nil, fmt.Errorf("unknown capability profile %q", c.Capabilities)
	}
	if len(c.Overrides) == 0 {
		return t, nil
	}
	return t.With(c.Overrides)
}

// OverrideKeys lists the overridden capability keys in order.
func (c *Config) OverrideKeys() []string {
	keys := make([]string, 0, len(c.Overrides))
	for k := range c.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
