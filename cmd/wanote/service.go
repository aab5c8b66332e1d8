package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"

	"wanote/internal/config"
)

const serviceLabel = "io.wanote.serve"

type serviceUnit struct {
	Label  string
	Exec   string
	Config string
	LogDir string
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove 'wanote serve' as a user service (systemd/launchd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write the service file for this OS",
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			unit := serviceUnit{
				Label:  serviceLabel,
				Exec:   exec,
				Config: resolveConfigPath(),
				LogDir: filepath.Join(config.DefaultConfigDir(), "logs"),
			}
			path, tmpl, err := servicePath()
			if err != nil {
				return err
			}
			if err := writeUnit(path, tmpl, unit); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
			} else {
				fmt.Printf("To start:  systemctl --user daemon-reload && systemctl --user enable --now wanote\n")
				fmt.Printf("Logs:      journalctl --user -u wanote -f\n")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

func servicePath() (string, *template.Template, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil, err
	}
	switch runtime.GOOS {
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", "wanote.service"), systemdUnit, nil
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist"), launchdPlist, nil
	default:
		return "", nil, fmt.Errorf("unsupported OS: %s (supported: linux, darwin)", runtime.GOOS)
	}
}

func writeUnit(path string, tmpl *template.Template, unit serviceUnit) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unit); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(unit.LogDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

var systemdUnit = template.Must(template.New("systemd").Parse(`[Unit]
Description=wanote WhatsApp notes pipeline
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=45

[Install]
WantedBy=default.target
`))

var launchdPlist = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/wanote.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/wanote-error.log</string>
</dict>
</plist>
`))
