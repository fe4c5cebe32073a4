// Command streamlab runs the Redis stream-pattern demo platform: an HTTP and
// WebSocket API over a set of messaging pattern implementations (work queue,
// fan-out, topic exchange, request/reply, per-key serialization, token
// bucket, delayed delivery, dead-letter handling).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "streamlab",
	Short: "Redis stream messaging pattern platform",
	Long:  `streamlab serves interactive demos of Redis Streams messaging patterns over an HTTP and WebSocket API.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamlab %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
