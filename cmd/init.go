package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

var (
	initEngine string
	initName   string
	initForce  bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initEngine, "engine", config.EnginePostgres, "Engine of the first target: "+strings.Join(config.TargetTemplateNames(), ", "))
	initCmd.Flags().StringVar(&initName, "name", "main", "Name of the first target")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Sample(initEngine, initName)
	if cfg == nil {
		return fault.Newf(fault.KindConfiguration, "init", "unknown engine %q (use: %s)", initEngine, strings.Join(config.TargetTemplateNames(), ", "))
	}
	path := configPath
	if path == "" {
		path = config.ResolveConfigPath()
	}
	if err := config.Write(cfg, path, initForce); err != nil {
		return fault.Configuration("init", err)
	}
	cmd.Printf("Wrote %s\n", path)
	cmd.Println("Next: set the S3 endpoint and credentials, then run `dbkp doctor`.")
	return nil
}
