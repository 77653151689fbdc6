package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dbkp/internal/catalog"
	"dbkp/internal/retention"
)

// staleAfter is how old the newest backup may get before status flags it.
const staleAfter = 26 * time.Hour

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup counts, sizes and freshness per target",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.catalog.Stats(ctx)
	if err != nil {
		return err
	}
	byTarget := make(map[string]catalog.TargetStats, len(stats))
	for _, s := range stats {
		byTarget[s.Target] = s
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tENGINE\tBACKUPS\tTOTAL\tLAST BACKUP\tRETENTION")
	for _, t := range a.cfg.Targets {
		policy := retention.FromConfig(t.Retention)
		s, ok := byTarget[t.Name]
		if !ok || s.Count == 0 {
			fmt.Fprintf(w, "%s\t%s\t0\t-\t%s\t%s\n", t.Name, t.Engine, color.RedString("never"), policy)
			continue
		}
		age := now.Sub(s.Newest)
		last := humanAge(age)
		if age > staleAfter {
			last = color.YellowString(last)
		} else {
			last = color.GreenString(last)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Name, t.Engine, s.Count, humanBytes(s.TotalSize), last, policy)
	}
	return w.Flush()
}
