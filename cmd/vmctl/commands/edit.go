package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/diff"
	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemu"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
	"github.com/walteh/vm-curator/pkg/vm"
)

// change previews or applies c to the VM's launch script and reports the
// result.
func (a *app) change(cmd *cobra.Command, id string, c launchscript.Change, dryRun bool) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	p, err := a.manager.PreviewChange(ctx, id, c)
	if err != nil {
		return err
	}
	if !p.Changed {
		fmt.Fprintf(w, "%s already has this %s setting; nothing to do\n", id, c.Field())
		return nil
	}

	if dryRun {
		if a.jsonOutput {
			return printJSON(w, p)
		}
		pretty, err := diff.Pretty(launchscript.ScriptName, p.Before.RawScript, p.Script)
		if err != nil {
			return err
		}
		fmt.Fprint(w, pretty)
		if old, updated, ok := changedLine(p.Before.RawScript, p.Script); ok {
			fmt.Fprintf(w, "%s: %s\n", c.Field(), diff.InlineDiff(old, updated))
		}
		fmt.Fprintf(w, "%d added, %d changed, %d removed (dry run, nothing written)\n", p.Stat.Added, p.Stat.Changed, p.Stat.Deleted)
		return nil
	}

	v, err := a.manager.ApplyChange(ctx, id, c)
	if err != nil {
		return err
	}
	if a.jsonOutput {
		return printJSON(w, v)
	}
	fmt.Fprintf(w, "%s %s: %s\n", color.GreenString("updated"), id, c.Field())
	return nil
}

// changedLine returns the one line that differs between before and after,
// trimmed, when the edit touched exactly one line.
func changedLine(before, after string) (string, string, bool) {
	a, b := strings.Split(before, "\n"), strings.Split(after, "\n")
	if len(a) != len(b) {
		return "", "", false
	}
	idx := -1
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if idx >= 0 {
			return "", "", false
		}
		idx = i
	}
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(a[idx]), strings.TrimSpace(b[idx]), true
}

func (a *app) setCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "set <id> <field> <value>",
		Short: "Change one setting in a VM's launch script",
		Long: `Change one setting in a VM's launch script. Fields:

  memory     MB, or a size with a unit (512, 2G)
  cpu_cores  number of cores
  cpu_model  -cpu value
  machine    -M value
  vga        std, cirrus, vmware, qxl, virtio, none
  audio      comma separated devices (sb16,adlib) or none
  kvm        on or off
  uefi       on or off
  tpm        on or off

Only the flag for the field changes; the rest of the script is kept as is.`,
		Args:    cobra.ExactArgs(3),
		GroupID: editGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := launchscript.ParseChange(args[1], args[2])
			if err != nil {
				return err
			}
			return a.change(cmd, args[0], c, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show the diff without writing the script")
	return cmd
}

func (a *app) networkCmd() *cobra.Command {
	var (
		dryRun   bool
		model    string
		bridge   string
		forwards []string
	)

	backends := make([]string, 0)
	for _, e := range qemuconfig.NetBackends.Entries() {
		backends = append(backends, e.Token)
	}

	cmd := &cobra.Command{
		Use:   "network <id> <backend>",
		Short: "Replace a VM's network backend",
		Long: fmt.Sprintf(`Replace a VM's network backend (%s). The adapter
model is kept unless --model is given.`, strings.Join(backends, ", ")),
		Args:    cobra.ExactArgs(2),
		GroupID: editGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := launchscript.ParseNetwork(args[1], model, bridge, forwards)
			if err != nil {
				return err
			}
			if c.Backend == qemuconfig.NetBridge {
				name := bridge
				if name == "" {
					name = qemuconfig.DefaultBridge
				}
				for _, problem := range qemu.DetectNetworkCapabilities(cmd.Context()).BridgeProblems(name) {
					fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("warning: %s", problem))
				}
			}
			return a.change(cmd, args[0], c, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show the diff without writing the script")
	cmd.Flags().StringVar(&model, "model", "", "Adapter model, e.g. "+strings.Join(qemuconfig.NetworkModels, ", "))
	cmd.Flags().StringVar(&bridge, "bridge", "", "Bridge for the bridge backend (default "+qemuconfig.DefaultBridge+")")
	cmd.Flags().StringSliceVarP(&forwards, "forward", "p", nil, "Port forward for user networking: proto:host:guest, host:guest or a preset (ssh, rdp, http, https, vnc)")
	return cmd
}

func (a *app) addDiskCmd() *cobra.Command {
	var (
		dryRun bool
		format string
		iface  string
	)

	cmd := &cobra.Command{
		Use:     "add-disk <id> <image>",
		Short:   "Attach an existing disk image to a VM",
		Args:    cobra.ExactArgs(2),
		GroupID: diskGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := launchscript.AddDisk{Path: args[1], Interface: iface}
			if format != "" {
				f, ok := qemuconfig.DiskFormats.LookupFold(format)
				if !ok {
					return errors.Errorf("unknown disk format %q", format)
				}
				c.Format = f
			}
			return a.change(cmd, args[0], c, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show the diff without writing the script")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Image format (default from the extension)")
	cmd.Flags().StringVar(&iface, "interface", "", "Drive interface (default ide)")
	return cmd
}

func (a *app) createDiskCmd() *cobra.Command {
	var spec vm.DiskSpec
	var format string

	cmd := &cobra.Command{
		Use:   "create-disk <id> <name>",
		Short: "Create a disk image in the VM directory and attach it",
		Long: `Create a disk image with qemu-img inside the VM's directory and add it to
the launch script after the existing disks.`,
		Args:    cobra.ExactArgs(2),
		GroupID: diskGroup.ID,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[1]
			if format != "" {
				f, ok := qemuconfig.DiskFormats.LookupFold(format)
				if !ok {
					return errors.Errorf("unknown disk format %q", format)
				}
				spec.Format = f
			}
			if spec.Size == "" {
				spec.Size = a.cfg.DefaultDiskSize
			}

			v, err := a.manager.CreateDisk(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) attached to %s\n", color.GreenString("created"), spec.Name, spec.Size, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Image format (default from the extension)")
	cmd.Flags().StringVarP(&spec.Size, "size", "s", "", "Image size, e.g. 20G (default from the config file)")
	cmd.Flags().StringVar(&spec.Interface, "interface", "", "Drive interface (default ide)")
	return cmd
}
