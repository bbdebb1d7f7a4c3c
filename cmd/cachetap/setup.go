package main

import (
	"fmt"
	"os"
	"time"

	"github.com/allaspectsdev/cachetap/internal/config"
	"github.com/allaspectsdev/cachetap/internal/daemon"
	"github.com/allaspectsdev/cachetap/internal/mitm"
)

func cmdStart(args []string) {
	foreground := false
	configPath := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--foreground", "-f":
			foreground = true
		case "--config":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cachetap stopped")
}

func cmdStatus() {
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}

func cmdMintCA(args []string) {
	cn := "cachetap interception CA"
	if len(args) > 0 && args[0] != "" {
		cn = args[0]
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Ten years: the root outlives every minted leaf by a wide margin.
	if err := mitm.GenerateCA(cfg.MITM.CACertPath, cfg.MITM.CAKeyPath, cn, 10*365*24*time.Hour); err != nil {
		fmt.Fprintf(os.Stderr, "error generating CA: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("CA written to %s (key: %s)\n", cfg.MITM.CACertPath, cfg.MITM.CAKeyPath)
	fmt.Println("Distribute the certificate to client trust stores to enable interception.")
}

func cmdInstallService() {
	if err := daemon.InstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cachetap config-export <path>")
		os.Exit(1)
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", args[0])
}
