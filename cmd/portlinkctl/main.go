// Command portlinkctl is the management wrapper around the portlink daemon:
// it installs the service unit, starts and stops the process, and reports
// status. Every command except help needs root.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultUnitPath = "/etc/systemd/system/portlink.service"
	defaultPidPath  = "/run/portlink.pid"
	defaultBinPath  = "/usr/local/bin/portlink-daemon"
	defaultConfPath = "/etc/portlink/portlink.conf"
)

var (
	unitPath string
	pidPath  string
	binPath  string
	confPath string
)

func main() {
	root := &cobra.Command{
		Use:           "portlinkctl",
		Short:         "Manage the portlink session server service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&unitPath, "unit", defaultUnitPath, "systemd unit path")
	root.PersistentFlags().StringVar(&pidPath, "pidfile", defaultPidPath, "daemon pidfile")
	root.PersistentFlags().StringVar(&binPath, "binary", defaultBinPath, "daemon binary path")
	root.PersistentFlags().StringVar(&confPath, "config", defaultConfPath, "daemon config path")

	root.AddCommand(
		installCmd(),
		uninstallCmd(),
		startCmd(),
		stopCmd(),
		restartCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// requireAdmin gates every command except help.
func requireAdmin(cmd *cobra.Command, _ []string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%s requires administrative privileges", cmd.Name())
	}
	return nil
}
