// Package main is the entry point for the groupchat load test binary.
// It provides subcommands for different scenarios:
//
//   - saturate: open N idle connections and hold them
//   - chat:     N participants join and post; measures broadcast latency
//   - smoke:    one scripted post/react/report/removal round trip
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "smoke":
		err = runSmoke(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Participants join and post; reports broadcast latency")
	fmt.Println("  smoke       Scripted post, react, report and removal check")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
