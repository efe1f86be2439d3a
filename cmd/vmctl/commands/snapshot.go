package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuimg"
	"github.com/walteh/vm-curator/pkg/vm"
)

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Manage qcow2 snapshots of a VM's primary disk",
		Long: `Manage internal qcow2 snapshots of a VM's primary disk with qemu-img.
The VM should be shut down while snapshots are created or restored.`,
		GroupID: diskGroup.ID,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <id>",
			Short: "List snapshots",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snaps, err := a.manager.ListSnapshots(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if snaps == nil {
						snaps = []qemuimg.Snapshot{}
					}
					return printJSON(cmd.OutOrStdout(), snaps)
				}
				return writeSnapshots(cmd, snaps)
			},
		},
		a.snapshotActionCmd("create", "Create a snapshot", "created", func(m vm.Manager) snapshotFunc { return m.CreateSnapshot }),
		a.snapshotActionCmd("restore", "Revert the disk to a snapshot", "restored", func(m vm.Manager) snapshotFunc { return m.RestoreSnapshot }),
		a.snapshotActionCmd("delete", "Delete a snapshot", "deleted", func(m vm.Manager) snapshotFunc { return m.DeleteSnapshot }),
	)
	return cmd
}

func writeSnapshots(cmd *cobra.Command, snaps []qemuimg.Snapshot) error {
	w := cmd.OutOrStdout()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("ID\tNAME\tSIZE\tDATE\tVM CLOCK"))
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Size, s.Date, s.VMClock)
	}
	return errors.WithStack(tw.Flush())
}

type snapshotFunc func(ctx context.Context, id, name string) error

// snapshotActionCmd builds create, restore and delete, which differ only in
// the manager call. The manager only exists once the root command has run
// its setup, so pick chooses the method then.
func (a *app) snapshotActionCmd(use, short, done string, pick func(vm.Manager) snapshotFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id> <name>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pick(a.manager)(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s snapshot %s of %s\n", color.GreenString("%s", done), args[1], args[0])
			return nil
		},
	}
}
