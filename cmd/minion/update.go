package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/minion-dev/minion/internal/identity"
	"github.com/minion-dev/minion/internal/models"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Review proposed self-updates",
}

var updateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposed updates",
	RunE:  runUpdateList,
}

var updateShowCmd = &cobra.Command{
	Use:   "show [update-id]",
	Short: "Show an update including its proposed content",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateShow,
}

var updateApproveCmd = &cobra.Command{
	Use:   "approve [update-id]",
	Short: "Approve and apply a pending update",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decideUpdate(args[0], "approve") },
}

var updateRejectCmd = &cobra.Command{
	Use:   "reject [update-id]",
	Short: "Reject a pending update",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decideUpdate(args[0], "reject") },
}

var updateRollbackCmd = &cobra.Command{
	Use:   "rollback [update-id]",
	Short: "Roll back an applied update from its backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateRollback,
}

var updateStatus string

func init() {
	updateCmd.AddCommand(updateListCmd, updateShowCmd, updateApproveCmd, updateRejectCmd, updateRollbackCmd)
	updateListCmd.Flags().StringVar(&updateStatus, "status", "", "Filter by status (pending_approval, approved, rejected, applied, rolled_back)")
}

func runUpdateList(cmd *cobra.Command, args []string) error {
	path := "/updates"
	if updateStatus != "" {
		path += "?status=" + updateStatus
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}

	var updates []models.PendingUpdate
	if err := json.Unmarshal(body, &updates); err != nil {
		return err
	}
	if len(updates) == 0 {
		fmt.Println("No updates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tPROTECTED\tSTATUS\tTASK")
	for _, u := range updates {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", u.ID, u.TargetPath, u.Protected, u.Status, u.Reason)
	}
	return w.Flush()
}

func runUpdateShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/updates/" + args[0])
	if err != nil {
		return err
	}

	var u models.PendingUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", u.ID)
	fmt.Printf("Target:     %s\n", u.TargetPath)
	fmt.Printf("Protected:  %v\n", u.Protected)
	fmt.Printf("Status:     %s\n", u.Status)
	fmt.Printf("Task:       %s\n", u.Reason)
	if u.DecidedBy != "" {
		fmt.Printf("Decided by: %s\n", u.DecidedBy)
	}
	fmt.Printf("\nProposed content:\n%s\n", u.ProposedContent)
	return nil
}

func decideUpdate(id, action string) error {
	actor := identity.Load().Actor()
	body, err := apiPost("/updates/"+id+"/"+action, map[string]string{"actor": actor})
	if err != nil {
		return err
	}

	var u models.PendingUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return err
	}
	fmt.Printf("Update %s is now %s (decided by %s)\n", u.ID, u.Status, actor)
	return nil
}

func runUpdateRollback(cmd *cobra.Command, args []string) error {
	actor := identity.Load().Actor()
	body, err := apiPost("/updates/"+args[0]+"/rollback", map[string]string{"actor": actor})
	if err != nil {
		return err
	}

	var result struct {
		Update   models.PendingUpdate `json:"update"`
		Restored bool                 `json:"restored"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	if !result.Restored {
		fmt.Printf("Update %s was already rolled back\n", args[0])
		return nil
	}
	fmt.Printf("Update %s rolled back, %s restored\n", args[0], result.Update.TargetPath)
	return nil
}
