package cmd

import (
	"github.com/spf13/cobra"

	"dbkp/internal/fault"
	"dbkp/internal/notifier"
)

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyTestCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification tools",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification through the configured channels",
	Args:  cobra.NoArgs,
	RunE:  runNotifyTest,
}

func runNotifyTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	n, err := notifier.New(cfg.Notifications)
	if err != nil {
		return fault.Configuration("notify", err)
	}
	if _, ok := n.(notifier.Nop); ok {
		return fault.Newf(fault.KindConfiguration, "notify", "no notification channel is enabled")
	}
	if err := n.NotifyWarning(cmd.Context(), "dbkp", "test", "This is a test notification from dbkp."); err != nil {
		return err
	}
	cmd.Println("Test notification sent")
	return nil
}
