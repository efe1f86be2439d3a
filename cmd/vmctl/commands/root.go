package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/walteh/vm-curator/pkg/config"
	"github.com/walteh/vm-curator/pkg/qemuimg"
	"github.com/walteh/vm-curator/pkg/vm"
)

var (
	vmGroup = &cobra.Group{
		ID:    "vm",
		Title: "VM Library",
	}
	editGroup = &cobra.Group{
		ID:    "edit",
		Title: "Launch Script Editing",
	}
	diskGroup = &cobra.Group{
		ID:    "disk",
		Title: "Disks and Snapshots",
	}
	hostGroup = &cobra.Group{
		ID:    "host",
		Title: "Host",
	}
)

// app is the state shared by every subcommand, filled in by the root
// command's PersistentPreRunE.
type app struct {
	debug      bool
	configPath string
	library    string
	jsonOutput bool

	cfg     *config.Config
	manager vm.Manager
}

// RootCmd builds the vmctl command tree.
func RootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vmctl",
		Short: "Manage a library of QEMU launch scripts",
		Long: `vmctl discovers the VMs in a library directory (one directory per VM,
each with a launch.sh) and reads or edits their QEMU settings by rewriting
the launch script in place.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	defaultConfig, _ := config.DefaultPath()
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&a.debug, "debug", "d", false, "Enable debug logging")
	flags.StringVar(&a.configPath, "config", defaultConfig, "Path to the config file")
	flags.StringVarP(&a.library, "library", "l", "", "VM library directory (overrides the config file)")
	flags.BoolVar(&a.jsonOutput, "json", false, "Print JSON instead of text")

	rootCmd.AddGroup(vmGroup, editGroup, diskGroup, hostGroup)
	rootCmd.AddCommand(
		a.listCmd(),
		a.showCmd(),
		a.statusCmd(),
		a.stopCmd(),
		a.watchCmd(),
		a.setCmd(),
		a.networkCmd(),
		a.addDiskCmd(),
		a.createDiskCmd(),
		a.snapshotCmd(),
		a.hostCmd(),
		a.configCmd(),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	level := zerolog.InfoLevel
	if a.debug {
		level = zerolog.DebugLevel
	}
	ctx := zerolog.Ctx(cmd.Context()).With().Str("command", cmd.Name()).Logger().Level(level).WithContext(cmd.Context())
	cmd.SetContext(ctx)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.library != "" {
		if cfg.Library, err = config.ExpandHome(a.library); err != nil {
			return err
		}
	}
	a.cfg = cfg

	if a.manager == nil {
		a.manager = vm.NewLocalManager(cfg.Library, qemuimg.Locate(ctx, cfg.QemuImgPath))
	}
	return nil
}
