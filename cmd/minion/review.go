package main

import (
	"github.com/minion-dev/minion/internal/identity"
	"github.com/minion-dev/minion/internal/tui"
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Open the interactive review console",
	Long:  `Opens a terminal console showing the task board and pending self-updates awaiting approval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tui.NewClient(apiAddr, identity.Load().Actor())
		return tui.Run(client)
	},
}
