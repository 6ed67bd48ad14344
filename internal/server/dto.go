package server

import "taskboard/internal/domain"

// Request bodies use the camelCase names the board client sends; responses
// mirror the stored rows.

type TransitionRequest struct {
	Status  string `json:"status" enum:"todo,in_progress,review,done" doc:"Target board column"`
	Version int    `json:"version" minimum:"1" doc:"Version the client last observed"`
}

type TransitionResponse struct {
	Message string `json:"message" example:"Task status updated successfully"`
	Status  string `json:"status" example:"in_progress"`
	Version int    `json:"version" example:"2"`
}

type CreateTaskRequest struct {
	ProjectID   string  `json:"projectId" minLength:"1"`
	Title       string  `json:"title" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
	DueDate     *string `json:"dueDate,omitempty" format:"date-time"`
}

// UpdateTaskRequest edits task fields. An empty assigneeId or dueDate clears it.
type UpdateTaskRequest struct {
	Version     int     `json:"version" minimum:"1"`
	Title       *string `json:"title,omitempty" maxLength:"255"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
}

type CreateProjectRequest struct {
	Name        string  `json:"name" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

type UserListResponse struct {
	Items []domain.User `json:"items"`
}

type ActivityListResponse struct {
	Items      []domain.ActivityEntry `json:"items"`
	NextCursor *int64                 `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	Database string `json:"database" example:"connected"`
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}

func nonNilProjects(items []domain.Project) []domain.Project {
	if items == nil {
		return []domain.Project{}
	}
	return items
}
