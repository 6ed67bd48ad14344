package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/internal/app"
	"taskboard/internal/domain"
	"taskboard/internal/engine"
	"taskboard/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, cliActor(), name, desc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("project %s (%s)\n", p.ID, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ListProjects(ctx, cliActor(), page, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created By", "Created"})
				for _, p := range res.Projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedBy, p.CreatedAt})
				}
				tw.AppendFooter(table.Row{"", "", "", "Total", res.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", repo.DefaultPageLimit, "page size")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteProject(ctx, cliActor(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted project", args[0])
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var projectID, title, desc, priority, assignee, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDue(due, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					Actor:       cliActor(),
					ProjectID:   projectID,
					Title:       title,
					Description: desc,
					Priority:    domain.Priority(priority),
					AssigneeID:  assignee,
					DueDate:     dueDate,
				})
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&due, "due", "", `due date, RFC3339 or natural ("next friday", "in 3 days")`)
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ListTasks(ctx, cliActor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Due", "Version"})
				for _, t := range res.Tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, deref(t.AssigneeID), deref(t.DueDate), t.Version})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("page %d", res.Page), fmt.Sprintf("%d total", res.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.Limit, "limit", repo.DefaultPageLimit, "page size")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to another column",
		Long: `Moves a task under the version guard. Pass --version with the version you
last saw; without it the current version is read first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := cliActor()
				expected := version
				if expected == 0 {
					t, err := a.Engine.GetTask(ctx, actor, args[0])
					if err != nil {
						return err
					}
					expected = t.Version
				}
				res, err := a.Engine.TransitionStatus(ctx, engine.TransitionRequest{
					TaskID:          args[0],
					Actor:           actor,
					Status:          domain.Status(args[1]),
					ExpectedVersion: expected,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("task %s -> %s (version %d)\n", res.TaskID, res.Status, res.Version)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var version int
	var title, desc, priority, assignee, due string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], Actor: cliActor(), ExpectedVersion: version}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if cmd.Flags().Changed("assignee") {
				opts.AssigneeID = &assignee
			}
			if cmd.Flags().Changed("due") {
				dueDate, err := parseDue(due, time.Now())
				if err != nil {
					return err
				}
				opts.DueDate = &dueDate
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if opts.ExpectedVersion == 0 {
					t, err := a.Engine.GetTask(ctx, opts.Actor, opts.ID)
					if err != nil {
						return err
					}
					opts.ExpectedVersion = t.Version
				}
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version (default current)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id; empty clears")
	cmd.Flags().StringVar(&due, "due", "", "due date; empty clears")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteTask(ctx, cliActor(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted task", args[0])
				return nil
			})
		},
	}
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Project", t.ProjectID},
		{"Title", t.Title},
		{"Description", t.Description},
		{"Status", t.Status},
		{"Priority", t.Priority},
		{"Assignee", deref(t.AssigneeID)},
		{"Due", deref(t.DueDate)},
		{"Completed", deref(t.CompletedAt)},
		{"Version", t.Version},
		{"Updated", t.UpdatedAt},
	})
	tw.Render()
	return nil
}

// parseDue accepts RFC3339 or a natural-language date relative to now and
// returns RFC3339. Empty input stays empty.
func parseDue(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.DateOnly, input); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("parse due date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("parse due date %q: not a date", input)
	}
	return r.Time.UTC().Format(time.RFC3339), nil
}
