package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtforge/virtforge/pkg/disk"
	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/hostdev"
	"github.com/virtforge/virtforge/pkg/hypervisor"
	"github.com/virtforge/virtforge/pkg/ledger"
	"github.com/virtforge/virtforge/pkg/lifecycle"
	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/orchestrator"
	"github.com/virtforge/virtforge/pkg/state"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagDataDir        string
	flagConnect        string
	flagLogLevel       string
	flagLogJSON        bool
	flagParallelism    int
	flagAddressTimeout time.Duration
	flagStopGrace      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "virtforge",
	Short: "VirtForge - declarative VM cluster orchestration for a single host",
	Long: `VirtForge brings up whole virtual-machine clusters (HPC-style
controller/compute topologies, GPU passthrough workers) on one
workstation from a single declarative spec, and tears them down
reproducibly.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applyConfigFile(cmd)
		log.Init(log.Config{
			Level:      log.Level(flagLogLevel),
			JSONOutput: flagLogJSON,
			Output:     os.Stderr,
		})
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"VirtForge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir",
		filepath.Join(home, ".virtforge"), "Directory for state, disks, and the allocation ledger")
	rootCmd.PersistentFlags().StringVar(&flagConnect, "connect",
		"qemu:///system", "Hypervisor connection URI")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of console output")
	rootCmd.PersistentFlags().IntVar(&flagParallelism, "parallelism",
		orchestrator.DefaultParallelism, "Maximum concurrent per-VM operations")
	rootCmd.PersistentFlags().DurationVar(&flagAddressTimeout, "address-timeout",
		lifecycle.DefaultAddressTimeout, "How long to wait for a booting VM to obtain an address")
	rootCmd.PersistentFlags().DurationVar(&flagStopGrace, "stop-grace",
		lifecycle.DefaultStopGrace, "Grace period before a shutdown is forced")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(renderInventoryCmd)
	rootCmd.AddCommand(validateCmd)
}

// runtime bundles everything a cluster operation needs. Close releases
// the ledger.
type runtime struct {
	states *state.Manager
	ledger *ledger.Ledger
	orch   *orchestrator.Orchestrator
}

func (r *runtime) Close() {
	if r.ledger != nil {
		_ = r.ledger.Close()
	}
}

// newRuntime wires the orchestrator stack. withHypervisor controls
// whether a live connection is established; read-only commands skip it.
func newRuntime(withHypervisor bool) (*runtime, error) {
	states, err := state.NewManager(filepath.Join(flagDataDir, "state"))
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(filepath.Join(flagDataDir, "ledger.db"))
	if err != nil {
		return nil, err
	}
	disks, err := disk.NewManager(filepath.Join(flagDataDir, "disks"))
	if err != nil {
		led.Close()
		return nil, err
	}

	var hv hypervisor.Client
	if withHypervisor {
		hv, err = hypervisor.Connect(flagConnect)
		if err != nil {
			led.Close()
			return nil, err
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		States:      states,
		Ledger:      led,
		Hypervisor:  hv,
		Disks:       disks,
		Devices:     hostdev.NewInventory(),
		Parallelism: flagParallelism,
		Lifecycle: lifecycle.Config{
			AddressTimeout: flagAddressTimeout,
			StopGrace:      flagStopGrace,
		},
	})

	return &runtime{states: states, ledger: led, orch: orch}, nil
}

// applyConfigFile folds settings from <data-dir>/config.yaml into any
// persistent flag the user did not set explicitly. A missing file is
// fine.
func applyConfigFile(cmd *cobra.Command) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(flagDataDir)
	if err := v.ReadInConfig(); err != nil {
		return
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"connect":         "connect",
		"log_level":       "log-level",
		"log_json":        "log-json",
		"parallelism":     "parallelism",
		"address_timeout": "address-timeout",
		"stop_grace":      "stop-grace",
	} {
		if v.IsSet(key) && !flags.Changed(flag) {
			if err := flags.Set(flag, v.GetString(key)); err != nil {
				fmt.Fprintf(os.Stderr, "config %s: %v\n", key, err)
			}
		}
	}
}

func signalContext(cmd *cobra.Command) func() {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetContext(ctx)
	return stop
}
