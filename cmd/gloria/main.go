package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "gloria",
	Short:         "Gloria, a conversational assistant for Matrix",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("gloria %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().String("socket", "", "control socket path (default $GLORIA_CONTROL_SOCKET or /tmp/gloria.sock)")
	rootCmd.PersistentFlags().String("addr", "", "control TCP address, used instead of the socket when set")
	rootCmd.AddCommand(runCmd, chatCmd, ipcCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
