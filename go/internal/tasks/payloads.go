package tasks

import (
	"time"
)

// Event names published by the task service. Each is also the stream topic.
const (
	EventTaskCreated  = "TaskCreated"
	EventTaskAssigned = "TaskAssigned"
	EventTaskMoved    = "TaskMoved"
	EventTaskRenamed  = "TaskRenamed" // protobuf structpb.Struct{task_id, title}
	EventTaskDeleted  = "TaskDeleted"
)

// TaskCreatedPayload is the payload for a TaskCreated event
type TaskCreatedPayload struct {
	TaskID    string    `json:"task_id"`
	SpaceID   string    `json:"space_id"`
	FolderID  string    `json:"folder_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskAssignedPayload is the payload for a TaskAssigned event
type TaskAssignedPayload struct {
	TaskID     string    `json:"task_id"`
	AssigneeID string    `json:"assignee_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// TaskMovedPayload is the payload for a TaskMoved event
type TaskMovedPayload struct {
	TaskID       string    `json:"task_id"`
	FromFolderID string    `json:"from_folder_id"`
	ToFolderID   string    `json:"to_folder_id"`
	MovedAt      time.Time `json:"moved_at"`
}

// TaskDeletedPayload is the payload for a TaskDeleted event
type TaskDeletedPayload struct {
	TaskID    string    `json:"task_id"`
	DeletedAt time.Time `json:"deleted_at"`
}
