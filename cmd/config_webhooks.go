package cmd

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

const webhookEnv = config.EnvPrefix + "_NOTIFICATIONS_DISCORD_WEBHOOK_URL"

var (
	webhookURLFlag     string
	discordEnableFlag  bool
	discordDisableFlag bool
	webhookEventsFlag  []string
	webhookMentionFlag string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configWebhooksCmd)
	configWebhooksCmd.Flags().StringVar(&webhookURLFlag, "webhook-url", "", "Discord webhook URL (or set "+webhookEnv+")")
	configWebhooksCmd.Flags().BoolVar(&discordEnableFlag, "enable", false, "Enable Discord notifications")
	configWebhooksCmd.Flags().BoolVar(&discordDisableFlag, "disable", false, "Disable Discord notifications")
	configWebhooksCmd.Flags().StringSliceVar(&webhookEventsFlag, "events", nil, "Events to send: start, success, warning, error, prune, restore (empty means all)")
	configWebhooksCmd.Flags().StringVar(&webhookMentionFlag, "mention", "", "Mention added to error notifications, e.g. <@&role-id>")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configWebhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Configure Discord notifications",
	Long:  "Show the current notification settings and optionally change them. Run without flags for interactive prompts.",
	Args:  cobra.NoArgs,
	RunE:  runConfigWebhooks,
}

func runConfigWebhooks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.ResolveConfigPath()
	}
	if cfg.Notifications == nil {
		cfg.Notifications = &config.NotificationsConfig{}
	}
	if cfg.Notifications.Discord == nil {
		cfg.Notifications.Discord = &config.DiscordConfig{}
	}

	f := cmd.Flags()
	if f.Changed("webhook-url") || f.Changed("enable") || f.Changed("disable") || f.Changed("events") || f.Changed("mention") {
		if err := applyWebhookFlags(cmd, cfg.Notifications.Discord); err != nil {
			return err
		}
	} else {
		cmd.Println("Current notification settings:")
		printWebhookStatus(cmd, cfg)
		cmd.Println()
		promptWebhookSettings(cmd, cfg.Notifications.Discord)
	}

	if err := config.Validate(cfg); err != nil {
		return fault.Configuration("config webhooks", err)
	}
	if err := config.Write(cfg, path, true); err != nil {
		return fault.Configuration("config webhooks", err)
	}
	cmd.Printf("Configuration updated: %s\n", path)
	printWebhookStatus(cmd, cfg)
	return nil
}

func applyWebhookFlags(cmd *cobra.Command, d *config.DiscordConfig) error {
	if discordEnableFlag && discordDisableFlag {
		return fault.Newf(fault.KindConfiguration, "config webhooks", "cannot use both --enable and --disable")
	}
	if webhookURLFlag != "" {
		d.WebhookURL = strings.TrimSpace(webhookURLFlag)
	}
	if discordEnableFlag {
		d.Enabled = true
	}
	if discordDisableFlag {
		d.Enabled = false
	}
	if cmd.Flags().Changed("events") {
		d.Events = nil
		for _, e := range webhookEventsFlag {
			if e = strings.TrimSpace(e); e != "" {
				d.Events = append(d.Events, e)
			}
		}
	}
	if webhookMentionFlag != "" {
		d.MentionOnError = strings.TrimSpace(webhookMentionFlag)
	}
	return nil
}

func promptWebhookSettings(cmd *cobra.Command, d *config.DiscordConfig) {
	reader := bufio.NewReader(cmd.InOrStdin())
	label := "Discord webhook URL"
	if d.WebhookURL != "" || os.Getenv(webhookEnv) != "" {
		label += " (Enter to keep current)"
	}
	if url := prompt(cmd, reader, label, ""); url != "" {
		d.WebhookURL = url
	}
	d.Enabled = confirm(cmd, reader, "Enable Discord notifications?", d.Enabled)
	events := prompt(cmd, reader, "Events (comma-separated, empty for all)", strings.Join(d.Events, ","))
	d.Events = nil
	for _, e := range strings.Split(events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			d.Events = append(d.Events, e)
		}
	}
}

func printWebhookStatus(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Notifications == nil || cfg.Notifications.Discord == nil {
		cmd.Println("  Discord: not configured")
		return
	}
	d := cfg.Notifications.Discord
	cmd.Printf("  Discord: %s\n", onOff(d.Enabled))
	switch {
	case d.WebhookURL != "":
		cmd.Printf("    Webhook URL: %s\n", maskWebhookURL(d.WebhookURL))
	case os.Getenv(webhookEnv) != "":
		cmd.Println("    Webhook URL: (from env)")
	default:
		cmd.Println("    Webhook URL: (not set)")
	}
	events := "all"
	if len(d.Events) > 0 {
		events = strings.Join(d.Events, ", ")
	}
	cmd.Printf("    Events: %s\n", events)
	if d.MentionOnError != "" {
		cmd.Printf("    Mention on error: %s\n", d.MentionOnError)
	}
}

// maskWebhookURL hides the webhook token, which grants posting rights.
func maskWebhookURL(s string) string {
	const keep = 40
	if len(s) <= keep {
		return s
	}
	return s[:keep] + "..."
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
