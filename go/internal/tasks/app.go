// Package tasks is the task service's write side as far as events go: every
// mutation commits together with its outbox record. It also carries the demo
// handlers the consumer dispatches to.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/taskhub/go/internal/events/outbox"
	"github.com/mcdev12/taskhub/go/internal/models"
	"github.com/mcdev12/taskhub/go/internal/sqlutil"
)

// Schema creates the tasks table.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          UUID PRIMARY KEY,
    space_id    UUID NOT NULL,
    folder_id   UUID NOT NULL,
    title       TEXT NOT NULL,
    status      TEXT NOT NULL,
    assignee_id UUID,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
`

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrEmptyTitle   = errors.New("task title cannot be empty")
)

type CreateTaskRequest struct {
	SpaceID  uuid.UUID
	FolderID uuid.UUID
	Title    string
}

// App handles task writes.
type App struct {
	db     sqlutil.TxBeginner
	outbox *outbox.Writer
	clock  clockwork.Clock
}

func NewApp(db sqlutil.TxBeginner, writer *outbox.Writer, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{db: db, outbox: writer, clock: clock}
}

// CreateTask inserts a task and its TaskCreated event.
func (a *App) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	now := a.clock.Now().UTC()
	task := &models.Task{
		ID:        uuid.New(),
		SpaceID:   req.SpaceID,
		FolderID:  req.FolderID,
		Title:     title,
		Status:    models.TaskStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := sqlutil.RunPgx(ctx, a.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, space_id, folder_id, title, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, task.ID, task.SpaceID, task.FolderID, task.Title, task.Status, task.CreatedAt, task.UpdatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		_, err := a.outbox.AppendJSON(ctx, tx, EventTaskCreated, TaskCreatedPayload{
			TaskID:    task.ID.String(),
			SpaceID:   task.SpaceID.String(),
			FolderID:  task.FolderID.String(),
			Title:     task.Title,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	log.Info().Str("task_id", task.ID.String()).Msg("created task")
	return task, nil
}

// AssignTask sets the assignee and emits TaskAssigned.
func (a *App) AssignTask(ctx context.Context, taskID, assigneeID uuid.UUID) error {
	now := a.clock.Now().UTC()
	return a.mutate(ctx, "assign", taskID,
		`UPDATE tasks SET assignee_id = $2, updated_at = $3 WHERE id = $1`,
		[]any{taskID, assigneeID, now},
		func(tx pgx.Tx) error {
			_, err := a.outbox.AppendJSON(ctx, tx, EventTaskAssigned, TaskAssignedPayload{
				TaskID:     taskID.String(),
				AssigneeID: assigneeID.String(),
				AssignedAt: now,
			})
			return err
		})
}

// MoveTask moves a task between folders and emits TaskMoved.
func (a *App) MoveTask(ctx context.Context, taskID, fromFolderID, toFolderID uuid.UUID) error {
	now := a.clock.Now().UTC()
	return a.mutate(ctx, "move", taskID,
		`UPDATE tasks SET folder_id = $2, updated_at = $3 WHERE id = $1`,
		[]any{taskID, toFolderID, now},
		func(tx pgx.Tx) error {
			_, err := a.outbox.AppendJSON(ctx, tx, EventTaskMoved, TaskMovedPayload{
				TaskID:       taskID.String(),
				FromFolderID: fromFolderID.String(),
				ToFolderID:   toFolderID.String(),
				MovedAt:      now,
			})
			return err
		})
}

// RenameTask changes the title and emits a protobuf TaskRenamed.
func (a *App) RenameTask(ctx context.Context, taskID uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	payload, err := structpb.NewStruct(map[string]any{
		"task_id": taskID.String(),
		"title":   title,
	})
	if err != nil {
		return fmt.Errorf("build rename payload: %w", err)
	}

	return a.mutate(ctx, "rename", taskID,
		`UPDATE tasks SET title = $2, updated_at = $3 WHERE id = $1`,
		[]any{taskID, title, a.clock.Now().UTC()},
		func(tx pgx.Tx) error {
			_, err := a.outbox.AppendProto(ctx, tx, EventTaskRenamed, payload)
			return err
		})
}

// DeleteTask removes a task and emits TaskDeleted.
func (a *App) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	now := a.clock.Now().UTC()
	return a.mutate(ctx, "delete", taskID,
		`DELETE FROM tasks WHERE id = $1`,
		[]any{taskID},
		func(tx pgx.Tx) error {
			_, err := a.outbox.AppendJSON(ctx, tx, EventTaskDeleted, TaskDeletedPayload{
				TaskID:    taskID.String(),
				DeletedAt: now,
			})
			return err
		})
}

// mutate runs one statement that must touch the task, then emit, in a single
// transaction.
func (a *App) mutate(ctx context.Context, op string, taskID uuid.UUID, sql string, args []any, emit func(tx pgx.Tx) error) error {
	err := sqlutil.RunPgx(ctx, a.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotFound
		}
		return emit(tx)
	})
	if err != nil {
		return fmt.Errorf("failed to %s task %s: %w", op, taskID, err)
	}
	log.Info().Str("task_id", taskID.String()).Str("op", op).Msg("updated task")
	return nil
}
