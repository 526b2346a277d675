package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/minion-dev/minion/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Submit a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var (
	taskType     string
	taskPriority string
	taskDesc     string
	taskCode     string
	taskTarget   string
	taskStatus   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd)

	taskAddCmd.Flags().StringVar(&taskType, "type", "general", "Task type (write_tests, translate_code, debug_error, format_code, generate_docs, refactor_function, general)")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Priority (low, normal, high, urgent)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description (required)")
	taskAddCmd.Flags().StringVar(&taskCode, "code", "", "Code the task operates on")
	taskAddCmd.Flags().StringVar(&taskTarget, "target", "", "Target file path, relative to the workspace root")
	taskAddCmd.MarkFlagRequired("desc")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, claimed, running, completed, failed, retrying, cancelled)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/tasks", map[string]any{
		"type":     taskType,
		"priority": taskPriority,
		"payload": models.Payload{
			Description: taskDesc,
			Code:        taskCode,
			TargetPath:  taskTarget,
		},
	})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s submitted (%s, priority %s)\n", task.ID, task.Type, task.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + taskStatus
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tATTEMPTS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
			t.ID, t.Type, t.Priority, t.Status, t.AttemptCount, t.MaxAttempts)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Type:      %s\n", task.Type)
	fmt.Printf("Priority:  %s\n", task.Priority)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Attempts:  %d/%d\n", task.AttemptCount, task.MaxAttempts)
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.ClaimedBy != "" {
		fmt.Printf("Claimed:   %s\n", task.ClaimedBy)
	}
	if task.Payload.TargetPath != "" {
		fmt.Printf("Target:    %s\n", task.Payload.TargetPath)
	}
	fmt.Printf("Desc:      %s\n", task.Payload.Description)
	if task.Result != "" {
		fmt.Printf("Result:\n%s\n", task.Result)
	}
	if task.Error != "" {
		fmt.Printf("Error:     %s\n", task.Error)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/tasks/"+args[0]+"/cancel", struct{}{})
	if err != nil {
		return err
	}

	var result map[string]string
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	fmt.Printf("Task %s: %s\n", args[0], result["status"])
	return nil
}
