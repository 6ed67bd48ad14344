package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/internal/app"
	"taskboard/internal/domain"
	"taskboard/internal/repo"
)

var (
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})

	priorityStyles = map[domain.Priority]lipgloss.Style{
		domain.PriorityCritical: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}).Bold(true),
		domain.PriorityHigh:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}),
		domain.PriorityMedium:   lipgloss.NewStyle(),
		domain.PriorityLow:      mutedStyle,
	}
)

const boardColumnWidth = 28

func boardCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Render a project's tasks as board columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := cliActor()
				if _, err := a.Engine.GetProject(ctx, actor, projectID); err != nil {
					return err
				}
				var tasks []domain.Task
				for page := 1; ; page++ {
					res, err := a.Engine.ListTasks(ctx, actor, repo.TaskFilters{ProjectID: projectID, Page: page, Limit: repo.MaxPageLimit})
					if err != nil {
						return err
					}
					tasks = append(tasks, res.Tasks...)
					if len(res.Tasks) < res.Limit || len(tasks) >= res.Total {
						break
					}
				}
				counts, err := a.Engine.StatusCounts(ctx, actor, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"columns": groupByStatus(tasks), "counts": counts})
				}
				fmt.Println(renderBoard(tasks, counts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func groupByStatus(tasks []domain.Task) map[domain.Status][]domain.Task {
	cols := make(map[domain.Status][]domain.Task, len(domain.Statuses))
	for _, s := range domain.Statuses {
		cols[s] = []domain.Task{}
	}
	for _, t := range tasks {
		cols[t.Status] = append(cols[t.Status], t)
	}
	return cols
}

// renderBoard lays tasks out in status columns. counts are the stored totals,
// which can exceed the cards shown on very large boards.
func renderBoard(tasks []domain.Task, counts map[domain.Status]int) string {
	cols := groupByStatus(tasks)
	rendered := make([]string, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		var b strings.Builder
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", columnTitle(s), max(counts[s], len(cols[s])))))
		for _, t := range cols[s] {
			b.WriteString("\n\n")
			b.WriteString(renderCard(t))
		}
		rendered = append(rendered, columnStyle.Width(boardColumnWidth).Render(b.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func renderCard(t domain.Task) string {
	style, ok := priorityStyles[t.Priority]
	if !ok {
		style = lipgloss.NewStyle()
	}
	meta := fmt.Sprintf("%s · v%d", t.Priority, t.Version)
	if t.AssigneeID != nil {
		meta += " · @" + *t.AssigneeID
	}
	return style.Render(t.Title) + "\n" + mutedStyle.Render(meta)
}

func columnTitle(s domain.Status) string {
	return strings.ToUpper(strings.ReplaceAll(string(s), "_", " "))
}
