package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("termpilot v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve":
			os.Exit(runServe(args[1:]))
		case "doctor":
			os.Exit(handleDoctor(args[1:]))
		case "sessions", "ls":
			handleSessions(args[1:])
			return
		case "journal":
			handleJournal(args[1:])
			return
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
			printHelp()
			os.Exit(1)
		}
	}

	os.Exit(runServe(nil))
}

func printHelp() {
	fmt.Printf("termpilot v%s\n", Version)
	fmt.Println("MCP server that drives a macOS Terminal window attached to zmx sessions")
	fmt.Println()
	fmt.Println("Usage: termpilot [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), serve    Serve MCP tools on stdio")
	fmt.Println("  doctor           Check platform, zmx and macOS permissions")
	fmt.Println("  sessions, ls     List zmx sessions")
	fmt.Println("  journal          Show recent tool calls")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  termpilot                     # Serve MCP (configure as a stdio server)")
	fmt.Println("  termpilot doctor              # Verify Automation permission and zmx")
	fmt.Println("  termpilot ls --json           # List sessions as JSON")
	fmt.Println("  termpilot journal -n 50       # Last 50 tool calls")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  TERMPILOT_HOME     State directory (default: ~/.termpilot)")
	fmt.Println("  TERMPILOT_DEBUG    Enable debug logging to <state dir>/debug.log")
}
