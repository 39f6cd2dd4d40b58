package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshclient",
	Short: "Join a mesh room and chat over direct peer connections",
	Long: `meshclient announces itself to a Mesh coordinator, opens a WebRTC data
channel to every other member of the room and relays each line read from
stdin to all of them. Messages never pass through the coordinator.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
