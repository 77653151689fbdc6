package cmd

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

var (
	addEngine   string
	addName     string
	addHost     string
	addPort     int
	addDatabase string
	addUsername string
)

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.AddCommand(addTargetCmd)
	f := addTargetCmd.Flags()
	f.StringVar(&addEngine, "engine", "", "Engine: "+strings.Join(config.TargetTemplateNames(), ", "))
	f.StringVar(&addName, "name", "", "Target name")
	f.StringVar(&addHost, "host", "", "Database host")
	f.IntVar(&addPort, "port", 0, "Database port (engine default when 0)")
	f.StringVar(&addDatabase, "database", "", "Database name (defaults to the target name)")
	f.StringVar(&addUsername, "username", "", "Database user")
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a resource",
}

var addTargetCmd = &cobra.Command{
	Use:   "target",
	Short: "Add a database target (flags or interactive)",
	Args:  cobra.NoArgs,
	RunE:  runAddTarget,
}

func runAddTarget(cmd *cobra.Command, args []string) error {
	if addEngine == "" || addName == "" {
		reader := bufio.NewReader(cmd.InOrStdin())
		if addName == "" {
			addName = prompt(cmd, reader, "Target name", "main")
		}
		if addEngine == "" {
			addEngine = strings.ToLower(prompt(cmd, reader, "Engine ("+strings.Join(config.TargetTemplateNames(), "/")+")", config.EnginePostgres))
		}
		if addHost == "" {
			addHost = prompt(cmd, reader, "Host", "127.0.0.1")
		}
		if addPort == 0 {
			if p, err := strconv.Atoi(prompt(cmd, reader, "Port (Enter for engine default)", "")); err == nil {
				addPort = p
			}
		}
	}

	t := config.TargetTemplate(addEngine, addName)
	if t == nil {
		return fault.Newf(fault.KindConfiguration, "add target", "unknown engine %q (use: %s)", addEngine, strings.Join(config.TargetTemplateNames(), ", "))
	}
	if addHost != "" {
		t.Host = addHost
	}
	if addPort != 0 {
		t.Port = addPort
	}
	if addDatabase != "" {
		t.Database = addDatabase
	}
	if addUsername != "" {
		t.Username = addUsername
	}
	return addTargetToConfig(cmd, *t)
}

func addTargetToConfig(cmd *cobra.Command, t config.TargetConfig) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if _, ok := cfg.Target(t.Name); ok {
		return fault.Newf(fault.KindConfiguration, "add target", "target %q already exists", t.Name)
	}
	cfg.Targets = append(cfg.Targets, t)
	if err := config.Validate(cfg); err != nil {
		return fault.Configuration("add target", err)
	}
	path := configPath
	if path == "" {
		path = config.ResolveConfigPath()
	}
	if err := config.Write(cfg, path, true); err != nil {
		return fault.Configuration("add target", err)
	}
	cmd.Printf("Target %q added (%s on %s:%d)\n", t.Name, t.Engine, t.Host, t.Port)
	cmd.Printf("Add its password to %s, then run `dbkp doctor --probe`.\n", path)
	return nil
}

func prompt(cmd *cobra.Command, reader *bufio.Reader, label, defaultVal string) string {
	if defaultVal != "" {
		cmd.Printf("%s [%s]: ", label, defaultVal)
	} else {
		cmd.Printf("%s: ", label)
	}
	line, _ := reader.ReadString('\n')
	s := strings.TrimSpace(line)
	if s == "" {
		return defaultVal
	}
	return s
}

func confirm(cmd *cobra.Command, reader *bufio.Reader, label string, current bool) bool {
	def := "y/N"
	if current {
		def = "Y/n"
	}
	cmd.Printf("%s [%s]: ", label, def)
	line, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return current
	}
}
