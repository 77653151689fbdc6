package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dbkp/internal/fault"
)

var (
	configPath string
	verbose    bool
	debug      bool
	quiet      bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "dbkp",
	Short:         "Streaming database backups to S3-compatible storage",
	Long:          "dbkp dumps PostgreSQL, MySQL and MariaDB databases, compresses, encrypts and checksums the stream on the fly and uploads it to S3 with resumable multipart transfers. A local catalog tracks every backup for restore, verification and retention.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default $DBKP_CONFIG or /etc/dbkp/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log per-stage progress")
	pf.BoolVar(&debug, "debug", false, "Log everything, including retries")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Log errors only")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
}

// SetVersionInfo is called from main with values set at build time.
func SetVersionInfo(version, commit string) {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel the running job, which aborts any open upload before exiting.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		return fault.ExitCode(err)
	}
	return 0
}
