package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

const (
	minDescriptionLen = 3
	maxDescriptionLen = 2000
)

var (
	taskUser   string
	taskStatus string
	taskRun    string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage manually submitted tasks",
	Long: `Manage tasks outside of a run.

Manually added tasks wait as pending until the next run collects them.
Only pending tasks can be deleted.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a pending task for the next run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store state.Store, defaultUser string) error {
			task, err := newManualTask(strings.Join(args, " "), pick(taskUser, defaultUser))
			if err != nil {
				return err
			}
			if err := store.CreateTask(ctx, &task); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("added %s for %s", task.ID, task.UserID), color.FgGreen)
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.TaskStatus(taskStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", taskStatus)
		}
		return withStore(func(ctx context.Context, store state.Store, _ string) error {
			tasks, err := store.ListTasks(ctx, models.TaskFilter{RunID: taskRun, UserID: taskUser, Status: status})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks.")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "%s  %-11s  %-14s  %s\n", t.ID, colorStatus(string(t.Status)), t.RunID, truncate(t.Description, 70))
			}
			return nil
		})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>...",
	Short: "Delete pending tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store state.Store, _ string) error {
			var errs []error
			for _, id := range args {
				if err := store.DeleteTask(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				printStatus(cmd.OutOrStdout(), "✓", "deleted "+id, color.FgGreen)
			}
			return errors.Join(errs...)
		})
	},
}

var taskImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add pending tasks from a YAML file",
	Long: `Add pending tasks from a YAML file of the form:

  user_id: alice        # optional
  tasks:
    - description: Summarise the morning newsletter
    - description: Check the gold price
      user_id: bob      # optional, per task

A plain list of descriptions is accepted too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store state.Store, defaultUser string) error {
			tasks, err := parseTaskFile(data, pick(taskUser, defaultUser))
			if err != nil {
				return err
			}
			for i := range tasks {
				if err := store.CreateTask(ctx, &tasks[i]); err != nil {
					return fmt.Errorf("task %d: %w", i+1, err)
				}
			}
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("imported %d tasks", len(tasks)), color.FgGreen)
			return nil
		})
	},
}

func init() {
	taskCmd.PersistentFlags().StringVarP(&taskUser, "user", "u", "", "User id (default workflow.user_id for new tasks)")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskRun, "run", "", "Filter by run id ('unassigned' for manual tasks)")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskImportCmd)
}

func withStore(fn func(ctx context.Context, store state.Store, defaultUser string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store, cfg.Workflow.UserID)
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// newManualTask builds a pending task not yet owned by any run.
func newManualTask(description, userID string) (models.Task, error) {
	description = strings.TrimSpace(description)
	if n := utf8.RuneCountInString(description); n < minDescriptionLen || n > maxDescriptionLen {
		return models.Task{}, fmt.Errorf("description must be %d to %d characters, got %d", minDescriptionLen, maxDescriptionLen, n)
	}
	if userID == "" {
		userID = models.DefaultUserID
	}
	return models.Task{
		ID:          capability.NewTaskID(),
		UserID:      userID,
		RunID:       models.UnassignedRunID,
		Description: description,
		Status:      models.TaskStatusPending,
	}, nil
}

type taskFile struct {
	UserID string      `yaml:"user_id"`
	Tasks  []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	Description string `yaml:"description"`
	UserID      string `yaml:"user_id"`
}

// UnmarshalYAML accepts either a mapping or a bare description.
func (e *taskEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Description = node.Value
		return nil
	}
	type plain taskEntry
	return node.Decode((*plain)(e))
}

// parseTaskFile decodes an import file into pending tasks. Nothing is
// returned unless every entry is valid.
func parseTaskFile(data []byte, defaultUser string) ([]models.Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("task file is empty")
	}

	var file taskFile
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&file.Tasks); err != nil {
			return nil, fmt.Errorf("parse task file: %w", err)
		}
	case yaml.MappingNode:
		if err := doc.Decode(&file); err != nil {
			return nil, fmt.Errorf("parse task file: %w", err)
		}
	default:
		return nil, errors.New("task file must be a list or a mapping with a tasks key")
	}
	if len(file.Tasks) == 0 {
		return nil, errors.New("task file has no tasks")
	}

	fileUser := pick(file.UserID, defaultUser)
	tasks := make([]models.Task, 0, len(file.Tasks))
	for i, e := range file.Tasks {
		t, err := newManualTask(e.Description, pick(e.UserID, fileUser))
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
