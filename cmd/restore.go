package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dbkp/internal/engine"
)

var (
	restoreTarget   string
	restoreDatabase string
	restoreClean    bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreTarget, "target", "", "Restore into this target's server instead of the backup's own")
	restoreCmd.Flags().StringVar(&restoreDatabase, "database", "", "Restore into this database name")
	restoreCmd.Flags().BoolVar(&restoreClean, "clean", false, "Drop and recreate the database before restoring")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup into a database",
	Long:  "Download the backup, verify its checksum and replay it into the database. Nothing is sent to the server until the whole artifact has been verified. Any unique prefix of a backup id is accepted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Restore(ctx, args[0], engine.RestoreOptions{
		Target:   restoreTarget,
		Database: restoreDatabase,
		Clean:    restoreClean,
	})
	if err != nil {
		return err
	}
	cmd.Printf("%s restored %s (%s, %s) into %s/%s in %s\n",
		color.GreenString("OK"), res.Record.ID, res.Record.CreatedAt.Format(time.RFC3339),
		humanBytes(res.Record.RawSize), res.Target, res.Database, res.Duration.Round(time.Millisecond))
	return nil
}
