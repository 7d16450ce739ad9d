// Command muxd runs multiplexed HTTP/2 and SSH servers that drain gracefully
// on SIGINT/SIGTERM, and manages the accounts and key material they use.
//
// Usage:
//
//	muxd serve                 # Start the servers
//	muxd gencert               # Create a self-signed TLS certificate
//	muxd users add alice       # Add a user (prompts for the password)
//	muxd users list            # List users
//	muxd version               # Show version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muxd",
		Short: "Multiplexed stream server with graceful shutdown",
		Long: `muxd serves request/response streams over HTTP/2 and SSH.

Every accepted connection and stream holds a clone of one shutdown
token. On SIGINT or SIGTERM the listeners stop, idle connections are
closed gracefully, new streams are refused, and the process exits
once every in-flight stream has finished.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		gencertCmd(),
		usersCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
