package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var verifyDeep bool

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "Also decrypt and decompress the artifact")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check a stored backup against its catalog checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.engine.Verify(ctx, args[0], verifyDeep)
	if err != nil {
		return err
	}
	cmd.Printf("%s %s: %s %s over %s\n", color.GreenString("OK"), rec.ID, rec.ChecksumAlgorithm, rec.Checksum, humanBytes(rec.Size))
	return nil
}
