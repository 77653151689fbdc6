package cmd

import (
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var backupAll bool

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolVar(&backupAll, "all", false, "Back up every configured target")
}

var backupCmd = &cobra.Command{
	Use:   "backup [target...]",
	Short: "Back up one or more targets",
	Long:  "Dump each target, stream it through the configured pipeline into storage, record it in the catalog and apply the target's retention policy. Targets run one after another; a failure does not stop the remaining targets unless the run is interrupted.",
	RunE:  runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := targetsFor(a.cfg, args, backupAll)
	if err != nil {
		return err
	}

	var errs []error
	for i, name := range targets {
		cmd.Printf("[%d/%d] Backing up %q ...\n", i+1, len(targets), name)
		start := time.Now()
		res, err := a.engine.Backup(ctx, name)
		if err != nil {
			cmd.Printf("  %s after %s: %v\n", color.RedString("Failed"), time.Since(start).Round(time.Second), err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		rec := res.Record
		cmd.Printf("  %s %s: %s in %d part(s), %s raw, %s\n",
			color.GreenString("OK"), rec.ID, humanBytes(rec.Size), rec.Parts, humanBytes(rec.RawSize), res.Duration.Round(time.Millisecond))
		if res.Prune != nil && res.Prune.Deleted > 0 {
			cmd.Printf("  Retention removed %d old backup(s)\n", res.Prune.Deleted)
		}
		if res.PruneErr != nil {
			cmd.Printf("  %s retention: %v\n", color.YellowString("Warning:"), res.PruneErr)
		}
	}
	if len(errs) == 0 && len(targets) > 1 {
		cmd.Println("All targets backed up successfully.")
	}
	return errors.Join(errs...)
}
