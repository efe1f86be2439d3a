package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/alessio/shellescape"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemu"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
	"github.com/walteh/vm-curator/pkg/vm"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Errorf("encoding output: %w", err)
	}
	return nil
}

func (a *app) listCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:     "list [query]",
		Aliases: []string{"ls"},
		Short:   "List the VMs in the library",
		Long: `List the VMs in the library grouped by category. An optional query
filters by name or id, case-insensitively.`,
		Args:    cobra.MaximumNArgs(1),
		GroupID: vmGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			vms, err := a.manager.ListVMs(cmd.Context())
			if err != nil {
				return errors.Errorf("listing VMs: %w", err)
			}
			if len(args) == 1 {
				vms = vm.Filter(vms, args[0])
			}

			groups := vm.GroupByCategory(vms)
			if category != "" {
				var kept []vm.Group
				for _, g := range groups {
					if strings.EqualFold(string(g.Category), category) {
						kept = append(kept, g)
					}
				}
				groups = kept
			}

			if a.jsonOutput {
				if groups == nil {
					groups = []vm.Group{}
				}
				return printJSON(cmd.OutOrStdout(), groups)
			}
			return writeGroups(cmd.OutOrStdout(), groups)
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "Only show one category")
	return cmd
}

func writeGroups(w io.Writer, groups []vm.Group) error {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No VMs found.")
		return nil
	}

	header := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	for i, g := range groups {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header.Fprintf(w, "%s:\n", g.Category)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, v := range g.VMs {
			line := fmt.Sprintf("  %s\t%s\t%s\t%d MB", v.ID, v.DisplayName(), emulatorName(v.Config.Emulator), v.Config.MemoryMB)
			if !v.ParseSuccess {
				line += "\t" + warn.Sprint("unparsed")
			}
			fmt.Fprintln(tw, line)
		}
		if err := tw.Flush(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func emulatorName(e qemuconfig.Emulator) string {
	if bin := e.Binary(); bin != "" {
		return bin
	}
	return e.String()
}

func (a *app) showCmd() *cobra.Command {
	var script bool

	cmd := &cobra.Command{
		Use:     "show <id>",
		Short:   "Show the settings extracted from a VM's launch script",
		Args:    cobra.ExactArgs(1),
		GroupID: vmGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.manager.GetVM(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if script {
				_, err := io.WriteString(w, v.Config.RawScript)
				return errors.WithStack(err)
			}
			if a.jsonOutput {
				return printJSON(w, v)
			}
			writeVM(w, v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&script, "script", false, "Print the raw launch script")
	return cmd
}

func writeVM(w io.Writer, v *vm.VM) {
	cfg := v.Config
	label := color.New(color.Bold).SprintFunc()
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s (%s)\n", label("Name"), v.DisplayName(), v.ID)
	fmt.Fprintf(tw, "%s\t%s\n", label("Category"), v.Category())
	fmt.Fprintf(tw, "%s\t%s\n", label("Script"), shellescape.Quote(v.ScriptPath))
	if !v.ParseSuccess {
		fmt.Fprintf(tw, "%s\t%s\n", label("Parse error"), color.YellowString("%s", v.ParseError))
	}
	fmt.Fprintf(tw, "%s\t%s\n", label("Emulator"), emulatorName(cfg.Emulator))
	fmt.Fprintf(tw, "%s\t%d MB\n", label("Memory"), cfg.MemoryMB)
	fmt.Fprintf(tw, "%s\t%d\n", label("CPU cores"), cfg.CPUCores)
	if cfg.CPUModel != "" {
		fmt.Fprintf(tw, "%s\t%s\n", label("CPU model"), cfg.CPUModel)
	}
	if cfg.Machine != "" {
		fmt.Fprintf(tw, "%s\t%s\n", label("Machine"), cfg.Machine)
	}
	fmt.Fprintf(tw, "%s\t%s\n", label("VGA"), cfg.VGA)

	audio := "none"
	if len(cfg.AudioDevices) > 0 {
		names := make([]string, 0, len(cfg.AudioDevices))
		for _, d := range cfg.AudioDevices {
			names = append(names, string(d))
		}
		audio = strings.Join(names, ", ")
	}
	fmt.Fprintf(tw, "%s\t%s\n", label("Audio"), audio)
	fmt.Fprintf(tw, "%s\tkvm %s, uefi %s, tpm %s\n", label("Features"), onOff(cfg.EnableKVM), onOff(cfg.UEFI), onOff(cfg.TPM))

	for i, d := range cfg.Disks {
		fmt.Fprintf(tw, "%s\t%s [%s, %s]\n", label(fmt.Sprintf("Disk %d", i)), shellescape.Quote(d.Path), d.Format, d.Interface)
	}
	if n := cfg.Network; n != nil {
		desc := string(n.Backend)
		if n.Bridge != "" {
			desc += " " + n.Bridge
		}
		if n.Model != "" {
			desc += ", " + n.Model
		}
		fmt.Fprintf(tw, "%s\t%s\n", label("Network"), desc)
		for _, pf := range n.PortForwards {
			fmt.Fprintf(tw, "\t%s\n", pf)
		}
	} else {
		fmt.Fprintf(tw, "%s\tnone\n", label("Network"))
	}
	if cfg.MonitorSocket != "" {
		fmt.Fprintf(tw, "%s\t%s\n", label("Monitor"), cfg.MonitorSocket)
	}
	if len(cfg.ExtraArgs) > 0 {
		fmt.Fprintf(tw, "%s\t%s\n", label("Other args"), strings.Join(cfg.ExtraArgs, " "))
	}
	tw.Flush()
}

func (a *app) monitorSocket(ctx context.Context, id string) (string, error) {
	v, err := a.manager.GetVM(ctx, id)
	if err != nil {
		return "", err
	}
	if v.Config.MonitorSocket == "" {
		return "", errors.Errorf("%w: add -qmp unix:<path>,server,nowait to %s", qemu.ErrNoMonitor, v.ScriptPath)
	}
	return v.Config.MonitorSocket, nil
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status <id>",
		Short:   "Ask a VM's QMP monitor whether it is running",
		Args:    cobra.ExactArgs(1),
		GroupID: vmGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := a.monitorSocket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, err := qemu.ProbeStatus(cmd.Context(), socket)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "status": st})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], st)
			return nil
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop <id>",
		Short:   "Press the guest's ACPI power button through QMP",
		Args:    cobra.ExactArgs(1),
		GroupID: vmGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := a.monitorSocket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := qemu.Powerdown(cmd.Context(), socket); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Powerdown sent to %s\n", args[0])
			return nil
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Print the library again whenever it changes",
		Args:    cobra.NoArgs,
		GroupID: vmGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			zerolog.Ctx(ctx).Info().Str("library", a.cfg.Library).Msg("watching library")

			return vm.Watch(ctx, a.cfg.Library, func(vms []*vm.VM) {
				if a.jsonOutput {
					if err := printJSON(w, vms); err != nil {
						zerolog.Ctx(ctx).Error().Err(err).Msg("printing library")
					}
					return
				}
				fmt.Fprintln(w, color.New(color.Faint).Sprint("--- library changed ---"))
				if err := writeGroups(w, vm.GroupByCategory(vms)); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("printing library")
				}
			})
		},
	}
}
