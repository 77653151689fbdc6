package cmd

import (
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	pruneAll    bool
	pruneDryRun bool
)

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "Prune every configured target")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Show what would be deleted without deleting")
}

var pruneCmd = &cobra.Command{
	Use:   "prune [target...]",
	Short: "Apply retention policies",
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := targetsFor(a.cfg, args, pruneAll)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range targets {
		res, err := a.engine.Prune(ctx, name, pruneDryRun)
		if err != nil {
			cmd.Printf("%s: %s %v\n", name, color.RedString("failed:"), err)
			errs = append(errs, err)
			continue
		}
		cmd.Printf("%s (%s): keep %d, delete %d\n", name, res.Policy, len(res.Keep), len(res.Delete))
		if res.Violation != nil {
			cmd.Printf("  %s %v\n", color.YellowString("refused:"), res.Violation)
			continue
		}
		verb := "deleted"
		if res.DryRun {
			verb = "would delete"
		}
		for _, r := range res.Delete {
			cmd.Printf("  %s %s  %s  %s\n", verb, r.ID, r.CreatedAt.Format(time.RFC3339), humanBytes(r.Size))
		}
	}
	return errors.Join(errs...)
}
