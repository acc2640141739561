package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"evorelay/internal/config"

	"github.com/spf13/cobra"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install EvoRelay as a system daemon (launchd/systemd)",
		Long:  "Generates and installs a service file that runs 'evorelay serve' on system startup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()

			// A daemon for a config that does not exist only produces a
			// restart loop; refuse up front.
			if _, err := config.Load(cfgPath); err != nil {
				return fmt.Errorf("config not usable at %s (%w) — run 'evorelay init' or 'evorelay wizard' first", cfgPath, err)
			}

			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove EvoRelay system daemon",
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

const launchdLabel = "com.evorelay.serve"

func installLaunchd(execPath, cfgPath string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")

	logPath := filepath.Join(config.DefaultConfigDir(), "logs", "evorelay.log")
	errLogPath := filepath.Join(config.DefaultConfigDir(), "logs", "evorelay-error.log")
	os.MkdirAll(filepath.Dir(logPath), 0o755)

	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	plist := renderLaunchdPlist(execPath, cfgPath, logPath, errLogPath)
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

func installSystemd(execPath, cfgPath string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, "evorelay.service")

	// API keys are referenced as ${VAR} in the config and expanded from
	// the process environment, which is empty under systemd. The unit
	// loads them from a root-only env file instead.
	envPath := filepath.Join(config.DefaultConfigDir(), "evorelay.env")
	if err := ensureEnvFile(envPath); err != nil {
		return fmt.Errorf("create env file: %w", err)
	}

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	unit := renderSystemdUnit(execPath, cfgPath, envPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", unitPath)
	fmt.Printf("API keys go in:  %s\n", envPath)
	fmt.Printf("To start:  systemctl --user daemon-reload && systemctl --user start evorelay\n")
	fmt.Printf("To enable: systemctl --user enable evorelay\n")
	fmt.Printf("To stop:   systemctl --user stop evorelay\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", "evorelay.service")
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

// ensureEnvFile writes a commented key template at path unless one already
// exists. 0600: it will hold API keys.
func ensureEnvFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	template := strings.Join([]string{
		"# Environment for the evorelay systemd unit.",
		"# Keys referenced as ${VAR} in config.json are resolved from here.",
		"#OPENAI_API_KEY=",
		"#EVOLUTION_API_KEY=",
		"",
	}, "\n")
	return os.WriteFile(path, []byte(template), 0o600)
}

func renderSystemdUnit(execPath, cfgPath, envPath string) string {
	unit := strings.ReplaceAll(systemdTemplate, "{{EXEC}}", execPath)
	unit = strings.ReplaceAll(unit, "{{CONFIG}}", cfgPath)
	return strings.ReplaceAll(unit, "{{ENV_FILE}}", envPath)
}

func renderLaunchdPlist(execPath, cfgPath, logPath, errLogPath string) string {
	plist := strings.ReplaceAll(launchdTemplate, "{{EXEC}}", execPath)
	plist = strings.ReplaceAll(plist, "{{CONFIG}}", cfgPath)
	plist = strings.ReplaceAll(plist, "{{LABEL}}", launchdLabel)
	plist = strings.ReplaceAll(plist, "{{LOG}}", logPath)
	return strings.ReplaceAll(plist, "{{ERR_LOG}}", errLogPath)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
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
Description=EvoRelay WhatsApp Webhook Relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{ENV_FILE}}
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
