package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"meetai/internal/config"

	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the meetai background service",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install 'meetai serve' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svcArgs := serviceArgs(resolveConfigPath(), withWorker)

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, svcArgs)
			case "linux":
				return installSystemd(execPath, svcArgs)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run the post-processing worker in the same service")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the meetai user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

func serviceArgs(cfgPath string, withWorker bool) []string {
	args := []string{"serve", "--config", cfgPath}
	if withWorker {
		args = append(args, "--with-worker")
	}
	return args
}

const (
	launchdLabel = "com.meetai.serve"
	systemdUnit  = "meetai.service"
)

func installLaunchd(execPath string, args []string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	plist := renderLaunchd(execPath, args, filepath.Join(logDir, "meetai.log"), filepath.Join(logDir, "meetai-error.log"))
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath string, args []string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, systemdUnit)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(renderSystemd(execPath, args)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start meetai\n")
	fmt.Printf("To enable: systemctl --user enable meetai\n")
	fmt.Printf("To stop:   systemctl --user stop meetai\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

func renderLaunchd(execPath string, args []string, logPath, errLogPath string) string {
	var progArgs strings.Builder
	for _, a := range append([]string{execPath}, args...) {
		fmt.Fprintf(&progArgs, "        <string>%s</string>\n", a)
	}
	r := strings.NewReplacer(
		"{{LABEL}}", launchdLabel,
		"{{ARGS}}", progArgs.String(),
		"{{LOG}}", logPath,
		"{{ERR_LOG}}", errLogPath,
	)
	return r.Replace(launchdTemplate)
}

func renderSystemd(execPath string, args []string) string {
	return strings.ReplaceAll(systemdTemplate, "{{EXEC}}", execPath+" "+strings.Join(args, " "))
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
{{ARGS}}    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=meetai meeting lifecycle orchestrator
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
