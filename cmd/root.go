// Package cmd implements sipwatch's CLI commands using cobra, following
// the teacher's cmd/root.go shape: a persistent --config flag, one
// package-level rootCmd, subcommands registered from init().
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sipwatch",
	Short: "A SIP/RTP traffic analyzer: capture, correlate and inspect calls",
	Long: `sipwatch captures SIP signalling and its associated RTP/RTCP media
streams — live off an interface, replayed from a pcap file, or received as
HEP/EEP-encapsulated frames from a remote agent — and correlates them into
calls you can query, filter and inspect.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/sipwatch/config.yml",
		"config file path")
}
