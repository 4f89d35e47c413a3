package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/atlashq/dispatch/internal/app"
	"github.com/atlashq/dispatch/internal/store"
	"github.com/atlashq/dispatch/internal/task"
)

// ErrNoTasksFound is returned when an interactive selection is attempted but
// no claimable tasks are available.
var ErrNoTasksFound = errors.New("no claimable tasks found matching your criteria")

var (
	tasksProjectID string
	tasksPriority  string
	tasksLimit     int
	claimAgentID   string
	claimSessionID string
	claimNotes     string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and claim work from the command line",
}

var tasksAvailableCmd = &cobra.Command{
	Use:   "available",
	Short: "List tasks that are currently claimable",
	RunE:  runTasksAvailable,
}

var tasksClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim a task for an agent",
	Long: `Claim a task for an agent. With no task ID, an interactive picker lists
the claimable tasks. A task ID prefix is accepted when it is unambiguous.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTasksClaim,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksAvailableCmd)
	tasksCmd.AddCommand(tasksClaimCmd)

	tasksAvailableCmd.Flags().StringVar(&tasksProjectID, "project", "", "filter by project ID")
	tasksAvailableCmd.Flags().StringVar(&tasksPriority, "priority", "", "filter by priority (urgent|high|medium|low)")
	tasksAvailableCmd.Flags().IntVar(&tasksLimit, "limit", 0, "maximum number of tasks")

	tasksClaimCmd.Flags().StringVar(&claimAgentID, "agent", "", "agent ID claiming the task (required)")
	tasksClaimCmd.Flags().StringVar(&claimSessionID, "session", "", "session identifier to record on the claim")
	tasksClaimCmd.Flags().StringVar(&claimNotes, "notes", "", "note appended to the task on claim")
	_ = tasksClaimCmd.MarkFlagRequired("agent")
}

// newTaskApp opens the store and builds the application service for one-shot
// CLI commands.
func newTaskApp() (*app.TaskApp, func(), error) {
	st, err := store.NewSQLiteStore(GetConfig().Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return app.NewTaskApp(st, newLogger()), func() { _ = st.Close() }, nil
}

func runTasksAvailable(cmd *cobra.Command, args []string) error {
	taskApp, closeStore, err := newTaskApp()
	if err != nil {
		return err
	}
	defer closeStore()

	tasks, err := taskApp.Available(app.AvailableOptions{
		ProjectID: tasksProjectID,
		Priority:  task.TaskPriority(tasksPriority),
		Limit:     tasksLimit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No claimable tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tPROJECT\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(t.ID), t.Priority, t.Status, t.ProjectName, t.Title)
	}
	return w.Flush()
}

func runTasksClaim(cmd *cobra.Command, args []string) error {
	taskApp, closeStore, err := newTaskApp()
	if err != nil {
		return err
	}
	defer closeStore()

	var taskID string
	if len(args) == 1 {
		taskID, err = resolveTaskID(taskApp, args[0])
	} else {
		taskID, err = selectTaskInteractive(taskApp)
	}
	if err != nil {
		return err
	}

	result, err := taskApp.Claim(app.ClaimOptions{
		TaskID:    taskID,
		AgentID:   claimAgentID,
		SessionID: claimSessionID,
		Notes:     claimNotes,
	})
	if err != nil {
		var appErr *app.Error
		if errors.As(err, &appErr) && appErr.ClaimedBy != "" {
			return fmt.Errorf("%s (claimed by %s)", appErr.Message, appErr.ClaimedBy)
		}
		return err
	}

	fmt.Printf("Claimed %q (%s) for agent %s\n", result.Task.Title, shortID(result.Task.ID), shortID(claimAgentID))
	return nil
}

// resolveTaskID accepts a full ID or an unambiguous prefix.
func resolveTaskID(taskApp *app.TaskApp, arg string) (string, error) {
	ids, err := taskApp.Store().FindTaskIDsByPrefix(arg)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("no task matches %q", arg)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%q matches %d tasks, use a longer prefix", arg, len(ids))
	}
}

func selectTaskInteractive(taskApp *app.TaskApp) (string, error) {
	tasks, err := taskApp.Available(app.AvailableOptions{})
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", ErrNoTasksFound
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}?",
		Active:   `> {{ .Title | cyan }} ({{ .Priority }}, {{ .ProjectName }})`,
		Inactive: `  {{ .Title | faint }} ({{ .Priority }}, {{ .ProjectName }})`,
		Selected: `{{ "✔" | green }} {{ .Title | faint }}`,
		Details: `
--------- Task ---------
{{ "ID:\t" | faint }} {{ .ID }}
{{ "Title:\t" | faint }} {{ .Title }}
{{ "Project:\t" | faint }} {{ .ProjectName }}
{{ "Priority:\t" | faint }} {{ .Priority }}
{{ "Status:\t" | faint }} {{ .Status }}`,
	}

	searcher := func(input string, index int) bool {
		t := tasks[index]
		input = strings.ToLower(input)
		return strings.Contains(strings.ToLower(t.Title), input) || strings.Contains(t.ID, input)
	}

	prompt := promptui.Select{
		Label:     "Select a task to claim",
		Items:     tasks,
		Templates: templates,
		Searcher:  searcher,
	}

	i, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return tasks[i].ID, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
