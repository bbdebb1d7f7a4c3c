package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/cachetap/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "mint-ca":
		cmdMintCA(os.Args[2:])
	case "install-service":
		cmdInstallService()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: cachetap <command> [options]

Commands:
  start            Start the cachetap daemon
  stop             Stop the running daemon
  status           Show daemon status and summary stats
  keys             Manage secrets (list|set|delete <name>)
  init-config      Generate default config file
  mint-ca          Generate a root CA pair for TLS interception
  config-export    Export current config to a TOML file
  install-service  Install as a systemd user service
  version          Print version information
  help             Show this help message

Options:
  --foreground     Run in foreground (with 'start')
  --config <path>  Use an explicit config file (with 'start')`)
}
