package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dbkp/internal/catalog"
	"dbkp/internal/fault"
)

var (
	listTarget string
	listStatus string
	listSince  time.Duration
	listLimit  int
	listJSON   bool
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listTarget, "target", "", "Only this target")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only backups with this status (completed, aborted)")
	listCmd.Flags().DurationVar(&listSince, "since", 0, "Only backups newer than this, e.g. 72h")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "At most this many backups")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := catalog.Filter{Target: listTarget, Status: catalog.Status(listStatus), Limit: listLimit}
	switch filter.Status {
	case "", catalog.StatusCompleted, catalog.StatusAborted:
	default:
		return fault.Newf(fault.KindConfiguration, "list", "unknown status %q", listStatus)
	}
	if listSince > 0 {
		filter.Since = time.Now().Add(-listSince)
	}
	records, err := a.engine.List(ctx, filter)
	if err != nil {
		return err
	}

	if listJSON {
		if records == nil {
			records = []catalog.Record{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		cmd.Println("No backups found")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tENGINE\tCREATED\tSIZE\tPARTS\tSTATUS")
	for _, r := range records {
		status := string(r.Status)
		if r.Status != catalog.StatusCompleted {
			status = color.YellowString(status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID), r.Target, r.Engine, r.CreatedAt.Local().Format("2006-01-02 15:04"), humanBytes(r.Size), r.Parts, status)
	}
	return w.Flush()
}
