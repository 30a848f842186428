// dbt runs PVM programs on the translator and inspects what it generates.
package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/guest/pvm"
	"github.com/colorfulnotion/dbt/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
	modules    string
	machine    string
	profile    string
	overrides  map[string]string
	guestMem   uint64
	noChain    bool
	maxInsns   uint32
	maxSteps   uint64
}

func (g *globalFlags) config() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.modules != "" {
		cfg.LogModules = g.modules
	}
	if g.machine != "" {
		cfg.Machine = g.machine
	}
	if g.profile != "" {
		cfg.Capabilities = g.profile
	}
	if len(g.overrides) > 0 {
		cfg.Overrides = g.overrides
	}
	if g.guestMem != 0 {
		cfg.GuestMemory = g.guestMem
	}
	if g.noChain {
		cfg.Chaining = false
	}
	if g.maxInsns != 0 {
		cfg.MaxInsns = g.maxInsns
	}
	if g.maxSteps != 0 {
		cfg.MaxSteps = g.maxSteps
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return nil, err
	}
	log.EnableModules(cfg.LogModules)
	return cfg, cfg.Validate()
}

type pvmFlags struct {
	gas      int64
	args     string
	minStack uint64
}

func (p *pvmFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&p.gas, "gas", 1_000_000_000, "gas available to the program")
	cmd.Flags().StringVar(&p.args, "args", "", "argument bytes passed in r7/r8")
	cmd.Flags().Uint64Var(&p.minStack, "min-stack", 0, "minimum stack size in bytes")
}

func (p *pvmFlags) options() pvm.Options {
	return pvm.Options{Gas: p.gas, Args: []byte(p.args), MinStack: p.minStack}
}

// load builds an engine for the program at path.
func load(g *globalFlags, p *pvmFlags, path string) (*engine.Engine, *pvm.Frontend, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	fe, err := pvm.Decode(blob, p.options())
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	e, err := engine.New(cfg, fe)
	if err != nil {
		return nil, nil, err
	}
	return e, fe, nil
}

func main() {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:           "dbt",
		Short:         "Dynamic binary translator for PVM programs",
		Version:       fmt.Sprintf("%s (%s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "JSON config file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&g.modules, "debug", "", "comma-separated log modules to enable")
	pf.StringVar(&g.machine, "machine", "", "machine kind (emu, unicorn)")
	pf.StringVar(&g.profile, "caps", "", "capability profile (probe, baseline, full)")
	pf.StringToStringVar(&g.overrides, "cap", nil, "capability override, e.g. divide-64=unsupported")
	pf.Uint64Var(&g.guestMem, "guest-memory", 0, "guest memory size in bytes")
	pf.BoolVar(&g.noChain, "no-chain", false, "disable direct block chaining")
	pf.Uint32Var(&g.maxInsns, "max-insns", 0, "instruction limit per block")
	pf.Uint64Var(&g.maxSteps, "max-steps", 0, "host instruction limit on the emu machine")

	rootCmd.AddCommand(
		runCmd(&g),
		disasCmd(&g),
		capsCmd(&g),
		helpersCmd(&g),
		tbsCmd(&g),
		debugCmd(&g),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dbt:", err)
		os.Exit(1)
	}
}
