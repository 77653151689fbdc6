package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(repairCmd)
}

var repairCmd = &cobra.Command{
	Use:   "repair [target]",
	Short: "Reconcile the catalog with storage",
	Long:  "Abort multipart uploads left open by interrupted runs, remove catalog entries whose object no longer exists, and discard backups whose object does not match its record. Without a target every configured target is repaired.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRepair,
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	res, err := a.engine.Repair(ctx, target)
	if res != nil {
		cmd.Printf("Checked %d record(s), removed %d, discarded %d, aborted %d stale upload(s)\n",
			res.Checked, len(res.Removed), len(res.Discarded), res.SessionsCleared)
		for _, r := range res.Removed {
			cmd.Printf("  removed %s (%s): object %s missing\n", r.ID, r.Target, r.StorageKey)
		}
		for _, r := range res.Discarded {
			cmd.Printf("  discarded %s (%s): object %s does not match its record\n", r.ID, r.Target, r.StorageKey)
		}
	}
	return err
}
