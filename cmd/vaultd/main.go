// vaultd - hardware-backed secure storage daemon
//
//	vaultd init     Create directories, default config, and audit secret
//	vaultd daemon   Run the storage daemon
//	vaultd status   Show daemon and scheme status
//	vaultd version  Print version
package main

import (
	"flag"
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "init":
		cmdInit()
	case "daemon":
		cmdDaemon()
	case "status":
		cmdStatus()
	case "version":
		fmt.Println("vaultd", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `vaultd - hardware-backed secure storage daemon

Usage:
  vaultd <command> [flags]

Commands:
  init      Create directories, default config, and audit secret
  daemon    Run the storage daemon
  status    Show daemon and scheme status
  version   Print version
  help      Show this help

Flags:
  -config <path>   Configuration file (TOML, JSON, or YAML)
`)
}

// parseConfigFlag parses the common -config flag from the remaining
// arguments.
func parseConfigFlag(args []string) string {
	fs := flag.NewFlagSet("vaultd", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(args)
	return *configPath
}
