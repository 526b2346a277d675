// Package tui is the operator review console: a task board plus the
// approval screen for pending self-updates.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/minion-dev/minion/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	tabActive   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	tabInactive = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	statusColors = map[models.TaskStatus]lipgloss.Style{
		models.TaskStatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		models.TaskStatusClaimed:   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		models.TaskStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		models.TaskStatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		models.TaskStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

type tab int

const (
	tabTasks tab = iota
	tabUpdates
)

type refreshMsg struct {
	tasks   []models.Task
	updates []models.PendingUpdate
	err     error
}

type actionDoneMsg struct{ err error }

type tickMsg time.Time

// App is the root bubbletea model.
type App struct {
	client  *Client
	active  tab
	tasks   table.Model
	updates table.Model

	taskRows   []models.Task
	updateRows []models.PendingUpdate
	lastErr    error
}

// NewApp builds the review console against a running daemon.
func NewApp(client *Client) *App {
	taskTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 12},
			{Title: "Type", Width: 18},
			{Title: "Priority", Width: 8},
			{Title: "Status", Width: 12},
			{Title: "Attempts", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	updateTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 12},
			{Title: "Target", Width: 36},
			{Title: "Protected", Width: 9},
			{Title: "Task", Width: 12},
		}),
		table.WithHeight(12),
	)
	return &App{
		client:  client,
		tasks:   taskTable,
		updates: updateTable,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Msg {
	tasks, err := a.client.ListTasks("")
	if err != nil {
		return refreshMsg{err: err}
	}
	updates, err := a.client.ListPendingUpdates()
	if err != nil {
		return refreshMsg{err: err}
	}
	return refreshMsg{tasks: tasks, updates: updates}
}

func (a *App) selectedUpdate() (models.PendingUpdate, bool) {
	idx := a.updates.Cursor()
	if idx < 0 || idx >= len(a.updateRows) {
		return models.PendingUpdate{}, false
	}
	return a.updateRows[idx], true
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "tab":
			if a.active == tabTasks {
				a.active = tabUpdates
				a.tasks.Blur()
				a.updates.Focus()
			} else {
				a.active = tabTasks
				a.updates.Blur()
				a.tasks.Focus()
			}
			return a, nil
		case "r":
			return a, a.refresh
		case "a":
			if a.active == tabUpdates {
				if update, ok := a.selectedUpdate(); ok {
					return a, a.decide(update.ID, true)
				}
			}
		case "x":
			if a.active == tabUpdates {
				if update, ok := a.selectedUpdate(); ok {
					return a, a.decide(update.ID, false)
				}
			}
		}

	case tickMsg:
		return a, tea.Batch(a.refresh, tick())

	case refreshMsg:
		a.lastErr = msg.err
		if msg.err == nil {
			a.taskRows = msg.tasks
			a.updateRows = msg.updates
			a.tasks.SetRows(taskRows(msg.tasks))
			a.updates.SetRows(updateRows(msg.updates))
		}
		return a, nil

	case actionDoneMsg:
		a.lastErr = msg.err
		return a, a.refresh
	}

	var cmd tea.Cmd
	if a.active == tabTasks {
		a.tasks, cmd = a.tasks.Update(msg)
	} else {
		a.updates, cmd = a.updates.Update(msg)
	}
	return a, cmd
}

func (a *App) decide(updateID string, approve bool) tea.Cmd {
	return func() tea.Msg {
		if approve {
			return actionDoneMsg{err: a.client.Approve(updateID)}
		}
		return actionDoneMsg{err: a.client.Reject(updateID)}
	}
}

func taskRows(tasks []models.Task) []table.Row {
	rows := make([]table.Row, len(tasks))
	for i, t := range tasks {
		status := string(t.Status)
		if style, ok := statusColors[t.Status]; ok {
			status = style.Render(status)
		}
		rows[i] = table.Row{
			shorten(t.ID), string(t.Type), t.Priority.String(), status,
			fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts),
		}
	}
	return rows
}

func updateRows(updates []models.PendingUpdate) []table.Row {
	rows := make([]table.Row, len(updates))
	for i, u := range updates {
		protected := "no"
		if u.Protected {
			protected = "yes"
		}
		rows[i] = table.Row{shorten(u.ID), u.TargetPath, protected, shorten(u.Reason)}
	}
	return rows
}

func shorten(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func (a *App) View() string {
	tasksTab := tabInactive.Render("Tasks")
	updatesTab := tabInactive.Render(fmt.Sprintf("Updates (%d)", len(a.updateRows)))
	if a.active == tabTasks {
		tasksTab = tabActive.Render("Tasks")
	} else {
		updatesTab = tabActive.Render(fmt.Sprintf("Updates (%d)", len(a.updateRows)))
	}

	view := titleStyle.Render("minion") + "  " + tasksTab + " | " + updatesTab + "\n\n"
	if a.active == tabTasks {
		view += a.tasks.View() + "\n"
		view += helpStyle.Render("tab: updates • r: refresh • q: quit")
	} else {
		view += a.updates.View() + "\n"
		view += helpStyle.Render("a: approve • x: reject • tab: tasks • r: refresh • q: quit")
	}
	if a.lastErr != nil {
		view += "\n" + errStyle.Render("error: "+a.lastErr.Error())
	}
	return view
}

// Run starts the console and blocks until the operator quits.
func Run(client *Client) error {
	_, err := tea.NewProgram(NewApp(client), tea.WithAltScreen()).Run()
	return err
}
