package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/vm-curator/pkg/qemu"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

func (a *app) hostCmd() *cobra.Command {
	var bridge string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Report emulators, KVM and networking support on this host",
		Long: `Report which QEMU system emulators are installed, whether KVM is available,
and whether bridged (qemu-bridge-helper) and passt networking can be used.`,
		Args:    cobra.NoArgs,
		GroupID: hostGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			caps := qemu.DetectNetworkCapabilities(ctx)

			emulators := map[string]string{}
			for _, e := range qemuconfig.Emulators.Entries() {
				if v, err := qemu.Version(ctx, e.Value); err == nil {
					emulators[e.Token] = v
				}
			}

			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"emulators":       emulators,
					"kvm":             qemu.KVMAvailable(),
					"network":         caps,
					"bridge":          bridge,
					"bridge_problems": caps.BridgeProblems(bridge),
				})
			}

			ok := color.GreenString("yes")
			no := color.YellowString("no")
			yesNo := func(b bool) string {
				if b {
					return ok
				}
				return no
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range qemuconfig.Emulators.Entries() {
				v, found := emulators[e.Token]
				if !found {
					v = no
				}
				fmt.Fprintf(tw, "%s\t%s\n", e.Token, v)
			}
			fmt.Fprintf(tw, "kvm\t%s\n", yesNo(qemu.KVMAvailable()))
			fmt.Fprintf(tw, "passt\t%s\n", yesNo(caps.PasstPath != ""))
			fmt.Fprintf(tw, "bridge helper\t%s\n", yesNo(caps.BridgeHelperConfigured()))
			if len(caps.AllowedBridges) > 0 {
				fmt.Fprintf(tw, "allowed bridges\t%s\n", strings.Join(caps.AllowedBridges, ", "))
			}
			if len(caps.SystemBridges) > 0 {
				fmt.Fprintf(tw, "host bridges\t%s\n", strings.Join(caps.SystemBridges, ", "))
			}
			if err := tw.Flush(); err != nil {
				return errors.WithStack(err)
			}

			for _, problem := range caps.BridgeProblems(bridge) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("bridge %s:", bridge), problem)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bridge, "bridge", qemuconfig.DefaultBridge, "Bridge to check")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Show or create the vm-curator config file",
		GroupID: hostGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), a.cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", a.configPath)
			return errors.WithStack(yaml.NewEncoder(cmd.OutOrStdout()).Encode(a.cfg))
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current settings to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return errors.Errorf("%s already exists; use --force to overwrite", a.configPath)
			}
			if err := a.cfg.Save(a.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.AddCommand(initCmd)
	return cmd
}
