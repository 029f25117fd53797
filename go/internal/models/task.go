package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus defines where a task sits in its folder's workflow.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
)

// Task represents a task within a space folder.
type Task struct {
	ID         uuid.UUID  `json:"id"`
	SpaceID    uuid.UUID  `json:"space_id"`
	FolderID   uuid.UUID  `json:"folder_id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
