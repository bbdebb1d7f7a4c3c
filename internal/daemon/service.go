package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const unitName = "cachetap.service"

// systemdUnitTemplate is the user-level systemd unit for running cachetap
// as a persistent service.
const systemdUnitTemplate = `[Unit]
Description=cachetap caching MITM proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ProgramPath}} start --foreground
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
NoNewPrivileges=true

[Install]
WantedBy=default.target
`

type unitData struct {
	ProgramPath string
	WorkingDir  string
}

// InstallService writes a user-level systemd unit and enables it via
// systemctl --user. Root deployments can copy the unit to /etc/systemd/system.
func InstallService() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	unitDir := filepath.Join(homeDir, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".cachetap")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	unitPath := filepath.Join(unitDir, unitName)

	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}

	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("creating unit file %s: %w", unitPath, err)
	}
	if err := tmpl.Execute(f, unitData{ProgramPath: execPath, WorkingDir: dataDir}); err != nil {
		f.Close()
		return fmt.Errorf("writing unit: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing unit file: %w", err)
	}

	fmt.Printf("Unit written to %s\n", unitPath)

	reload := exec.Command("systemctl", "--user", "daemon-reload")
	_ = reload.Run()

	enable := exec.Command("systemctl", "--user", "enable", "--now", unitName)
	enable.Stdout = os.Stdout
	enable.Stderr = os.Stderr
	if err := enable.Run(); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}

	fmt.Printf("Service %s enabled\n", unitName)
	return nil
}

// UninstallService disables and removes the systemd unit.
func UninstallService() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	unitPath := filepath.Join(homeDir, ".config", "systemd", "user", unitName)

	disable := exec.Command("systemctl", "--user", "disable", "--now", unitName)
	_ = disable.Run()

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit: %w", err)
	}

	fmt.Printf("Service %s uninstalled\n", unitName)
	return nil
}
