package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dbkp/internal/config"
	"dbkp/internal/doctor"
	"dbkp/internal/fault"
)

var (
	doctorCreateBucket bool
	doctorProbe        bool
)

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorCreateBucket, "create-bucket", false, "Create the bucket if it does not exist")
	doctorCmd.Flags().BoolVar(&doctorProbe, "probe", false, "Connect to every target database")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose config, storage, catalog, keys, client tools and locks",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	v, err := config.Load(configPath, true)
	if err != nil {
		cmd.Printf("Config load: %s %v\n", color.RedString("ERROR:"), err)
		return fault.Configuration("load config", err)
	}
	cfg, err := config.Unmarshal(v)
	if err != nil {
		cmd.Printf("Config unmarshal: %s %v\n", color.RedString("ERROR:"), err)
		return fault.Configuration("parse config", err)
	}

	results := doctor.Run(cmd.Context(), cfg, doctor.Options{
		CreateBucket: doctorCreateBucket,
		Probe:        doctorProbe,
	})
	for _, r := range results {
		status := color.GreenString("OK")
		if !r.OK {
			status = color.RedString("ERROR")
		}
		cmd.Printf("%-16s %s: %s\n", r.Name, status, r.Detail)
	}
	if doctor.Failed(results) {
		return fault.Newf(fault.KindConfiguration, "doctor", "one or more checks failed; see output above")
	}
	return nil
}
