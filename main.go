package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"grimm.is/v6tunnel/cmd"
	"grimm.is/v6tunnel/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	var err error

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", brand.GetConfigPath(), "Configuration file")
		serveFlags.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
		serveFlags.Parse(args)
		err = cmd.RunServe(*configFile)

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Print the effective configuration")
		checkFlags.BoolVar(verbose, "v", false, "Print the effective configuration (short)")
		configFile := checkFlags.String("config", brand.GetConfigPath(), "Configuration file")
		checkFlags.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
		checkFlags.Parse(args)
		if checkFlags.NArg() > 0 {
			*configFile = checkFlags.Arg(0)
		}
		err = cmd.RunCheck(os.Stdout, *configFile, *verbose)

	case "version":
		fmt.Printf("%s %s (commit %s, built %s)\n", brand.Name, brand.Version, brand.GitCommit, brand.BuildTime)

	case "status":
		err = cmd.RunStatus(os.Stdout, args)
	case "start", "stop", "restart":
		err = cmd.RunProxyAction(os.Stdout, os.Args[1], args)
	case "send":
		err = cmd.RunSend(os.Stdout, args)
	case "test":
		err = cmd.RunTest(os.Stdout, args)
	case "logs":
		err = cmd.RunLogs(os.Stdout, args)
	case "summary":
		err = cmd.RunSummary(os.Stdout, args)
	case "rules":
		err = cmd.RunRules(os.Stdout, args)
	case "config":
		err = cmd.RunConfig(os.Stdout, args)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Daemon:
  serve     Run the daemon in the foreground
            Options: --config (-c) <file>
  check     Validate a configuration file
            Options: --verbose (-v), --config (-c) <file>
  version   Print version information

Forwarding (talks to a running daemon, --remote/-r <addr>):
  status    Show forwarding status and the current IPv6 address
  start     Start forwarding
  stop      Stop forwarding
  restart   Restart forwarding
  rules     Manage rules: list, add, update, enable, disable, delete
  summary   Print a plain-text forwarding summary

Announcements:
  config    Show or change settings: show, set --url ... --interval ...
  send      Queue an announcement (retries on failure)
  test      Send one announcement now and show the result
  logs      Show recent announcements
            Options: -n <count>

Examples:
  %s serve -c /etc/v6tunnel/v6tunnel.hcl
  %s rules add 22 2222
  %s config set --enabled --auto-start --send --interval 30 --url https://example.com/hook
  %s test
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName)
}
