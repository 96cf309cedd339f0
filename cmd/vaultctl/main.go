// vaultctl - control CLI for the vaultd secure storage daemon
//
//	vaultctl ping                  Probe the daemon
//	vaultctl status                Show security status
//	vaultctl location              Print the encrypted blob directory
//	vaultctl generate-key [-name -overwrite]
//	vaultctl delete-key [-name]
//	vaultctl encrypt [-name] [-in -out]
//	vaultctl decrypt [-name] [-in -out]
//	vaultctl presence [-reason]    Run a standalone presence check
//	vaultctl save [-store] [-in]   Save a record in the encrypted store
//	vaultctl load [-store] [-out]  Load a record from the encrypted store
//	vaultctl delete [-store]       Delete a record and its backup
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"vaultd/internal/config"
	"vaultd/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "ping":
		cmdPing(args)
	case "status":
		cmdStatus(args)
	case "location":
		cmdLocation(args)
	case "generate-key":
		cmdGenerateKey(args)
	case "delete-key":
		cmdDeleteKey(args)
	case "encrypt":
		cmdEncrypt(args)
	case "decrypt":
		cmdDecrypt(args)
	case "presence":
		cmdPresence(args)
	case "save":
		cmdSave(args)
	case "load":
		cmdLoad(args)
	case "delete":
		cmdDelete(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `vaultctl - control CLI for the vaultd secure storage daemon

Usage:
  vaultctl <command> [flags]

Commands:
  ping           Probe the daemon and print its security posture
  status         Show the enhanced-security status
  location       Print the encrypted blob directory
  generate-key   Generate the key pair for a logical key name
  delete-key     Destroy the key pair for a logical key name
  encrypt        Encrypt stdin (or -in file) under a key
  decrypt        Decrypt stdin (or -in file); prompts for user presence
  presence       Run a standalone user-presence check
  save           Save a record in the daemon-managed encrypted store
  load           Load a record from the encrypted store
  delete         Delete a record and its backup

Common flags:
  -config <path>     Configuration file
  -name <name>       Logical key name (default key when omitted)
  -store <name>      Store record name (default record when omitted)
  -in <path>         Input file (stdin when omitted)
  -out <path>        Output file (stdout when omitted)
`)
}

// flags shared by every subcommand.
type commonFlags struct {
	fs     *flag.FlagSet
	config *string
	name   *string
	store  *string
	in     *string
	out    *string
}

func newFlags(cmd string) *commonFlags {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	return &commonFlags{
		fs:     fs,
		config: fs.String("config", "", "configuration file path"),
		name:   fs.String("name", "", "logical key name"),
		store:  fs.String("store", "", "store record name"),
		in:     fs.String("in", "", "input file (stdin when omitted)"),
		out:    fs.String("out", "", "output file (stdout when omitted)"),
	}
}

// connect loads config and opens a daemon connection.
func (f *commonFlags) connect() *ipc.Client {
	cfg, err := config.Load(*f.config)
	if err != nil {
		fatal("load config: %v", err)
	}

	cc := ipc.DefaultClientConfig("")
	cc.SocketPath = cfg.IPC.SocketPath
	cc.ProbeTimeout = time.Duration(cfg.IPC.ProbeTimeoutMs) * time.Millisecond

	client := ipc.NewClient(cc)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fatal("daemon is not running (start it with: vaultd daemon)")
		}
		fatal("connect: %v", err)
	}
	return client
}

func (f *commonFlags) readInput() []byte {
	if *f.in != "" {
		data, err := os.ReadFile(*f.in)
		if err != nil {
			fatal("read input: %v", err)
		}
		return data
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal("read stdin: %v", err)
	}
	return data
}

func (f *commonFlags) writeOutput(data []byte) {
	if *f.out != "" {
		if err := os.WriteFile(*f.out, data, 0600); err != nil {
			fatal("write output: %v", err)
		}
		return
	}
	os.Stdout.Write(data)
}

func cmdPing(args []string) {
	f := newFlags("ping")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := client.Probe(ctx)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Println("=== Daemon ===")
	fmt.Printf("  ✓ alive (protocol version %d)\n", pong.Version)
	fmt.Printf("  platform:  %s %s\n", pong.Platform, pong.PlatformVersion)
	fmt.Printf("  simulator: %v\n", pong.IsSimulator)

	fmt.Println("=== Security ===")
	fmt.Printf("  status: %s\n", statusName(pong.HasEnhancedSecurity))
	fmt.Printf("  scheme: %s\n", orNone(pong.DelegateScheme))
	if pong.SecurityWarning != "" {
		fmt.Printf("  ⚠ %s\n", pong.SecurityWarning)
	}
}

func cmdStatus(args []string) {
	f := newFlags("status")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	status, err := client.SecurityStatus()
	if err != nil {
		fatal("%v", err)
	}

	fmt.Println("=== Enhanced Security ===")
	fmt.Printf("  status: %s\n", statusName(status.Status))
	if status.Error != "" {
		fmt.Printf("  reason: %s\n", status.Error)
	}
	if status.Status != 0 {
		os.Exit(1)
	}
}

func cmdLocation(args []string) {
	f := newFlags("location")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	path, err := client.StorageLocation()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(path)
}

func cmdGenerateKey(args []string) {
	f := newFlags("generate-key")
	overwrite := f.fs.Bool("overwrite", false, "destroy any existing key first")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	if err := client.GenerateKey(*f.name, *overwrite); err != nil {
		fatal("%v", err)
	}
	fmt.Println("✓ key ready")
}

func cmdDeleteKey(args []string) {
	f := newFlags("delete-key")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	if err := client.DeleteKey(*f.name); err != nil {
		fatal("%v", err)
	}
	fmt.Println("✓ key deleted")
}

func cmdEncrypt(args []string) {
	f := newFlags("encrypt")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	ciphertext, err := client.Encrypt(*f.name, f.readInput())
	if err != nil {
		fatal("%v", err)
	}
	f.writeOutput(ciphertext)
}

func cmdDecrypt(args []string) {
	f := newFlags("decrypt")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	plaintext, err := client.Decrypt(*f.name, f.readInput())
	if err != nil {
		fatal("%v", err)
	}
	f.writeOutput(plaintext)
}

func cmdPresence(args []string) {
	f := newFlags("presence")
	reason := f.fs.String("reason", "", "reason shown on the prompt")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	if err := client.VerifyPresence(*reason); err != nil {
		fatal("✗ presence not verified: %v", err)
	}
	fmt.Println("✓ presence verified")
}

func cmdSave(args []string) {
	f := newFlags("save")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	if err := client.StoreSave(*f.store, f.readInput()); err != nil {
		fatal("%v", err)
	}
	fmt.Println("✓ saved")
}

func cmdLoad(args []string) {
	f := newFlags("load")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	data, exists, err := client.StoreLoad(*f.store)
	if err != nil {
		fatal("%v", err)
	}
	if !exists {
		fatal("no record stored under that name")
	}
	f.writeOutput(data)
}

func cmdDelete(args []string) {
	f := newFlags("delete")
	f.fs.Parse(args)
	client := f.connect()
	defer client.Close()

	if err := client.StoreDelete(*f.store); err != nil {
		fatal("%v", err)
	}
	fmt.Println("✓ deleted")
}

func statusName(status int) string {
	switch status {
	case 0:
		return "available"
	case 1:
		return "warning"
	case 2:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", status)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vaultctl: "+format+"\n", args...)
	os.Exit(1)
}
