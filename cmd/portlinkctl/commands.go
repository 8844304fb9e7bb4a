package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const unitTemplate = `[Unit]
Description=portlink session server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s -config %s
Restart=on-failure
RestartSec=5
LimitNOFILE=65536

[Install]
WantedBy=multi-user.target
`

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "install",
		Short:   "Install the service unit",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, _ []string) error {
			unit := fmt.Sprintf(unitTemplate, binPath, confPath)
			if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
				return err
			}
			if err := systemctl("daemon-reload"); err != nil {
				return err
			}
			if err := systemctl("enable", "portlink"); err != nil {
				return err
			}
			fmt.Printf("Installed %s\n", unitPath)
			return nil
		},
	}
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Remove the service unit",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = systemctl("disable", "portlink")
			_ = systemctl("stop", "portlink")
			if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := systemctl("daemon-reload"); err != nil {
				return err
			}
			fmt.Println("Uninstalled.")
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Short:   "Start the daemon",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, running := daemonPid(); running {
				fmt.Println("Already running.")
				return nil
			}
			if hasUnit() {
				if err := systemctl("start", "portlink"); err != nil {
					return err
				}
			} else {
				proc := exec.Command(binPath, "-config", confPath)
				proc.Stdout, proc.Stderr = os.Stdout, os.Stderr
				if err := proc.Start(); err != nil {
					return err
				}
				if err := os.WriteFile(pidPath, []byte(strconv.Itoa(proc.Process.Pid)), 0o644); err != nil {
					return err
				}
				_ = proc.Process.Release()
			}
			fmt.Println("Started.")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the daemon",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hasUnit() {
				if err := systemctl("stop", "portlink"); err != nil {
					return err
				}
			} else {
				pid, running := daemonPid()
				if !running {
					fmt.Println("Not running.")
					return nil
				}
				if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
					return err
				}
				waitGone(pid, 20*time.Second)
				os.Remove(pidPath)
			}
			fmt.Println("Stopped.")
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "restart",
		Short:   "Restart the daemon",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopCmd().RunE(cmd, args); err != nil {
				return err
			}
			return startCmd().RunE(cmd, args)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Report daemon status",
		PreRunE: requireAdmin,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hasUnit() {
				out, err := exec.Command("systemctl", "is-active", "portlink").CombinedOutput()
				state := strings.TrimSpace(string(out))
				fmt.Printf("Service: %s\n", state)
				if err != nil && state != "inactive" {
					return fmt.Errorf("status query failed: %w", err)
				}
				return nil
			}
			if pid, running := daemonPid(); running {
				fmt.Printf("Running (pid %d)\n", pid)
			} else {
				fmt.Println("Not running.")
			}
			return nil
		},
	}
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func hasUnit() bool {
	_, err := os.Stat(unitPath)
	return err == nil
}

// daemonPid reads the pidfile and probes whether the process is alive.
func daemonPid() (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

func waitGone(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
