package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/taskhub/go/internal/events"
)

// ReasonInvalidAssignee dead-letters assignments that can never be delivered.
const ReasonInvalidAssignee = "InvalidAssignee"

// ErrUnknownAssignee is returned by a Notifier when the assignee does not
// exist; such events are dead-lettered rather than retried.
var ErrUnknownAssignee = errors.New("unknown assignee")

// Notifier tells an assignee about new work.
type Notifier interface {
	NotifyAssigned(ctx context.Context, taskID, assigneeID string) error
}

// TaskView is the read model kept by Projection.
type TaskView struct {
	TaskID    string
	FolderID  string
	Title     string
	UpdatedAt time.Time
}

// Projection is an in-memory read model rebuilt from task events. Every
// update is idempotent so redelivered events are harmless.
type Projection struct {
	mu    sync.RWMutex
	tasks map[string]TaskView
}

func NewProjection() *Projection {
	return &Projection{tasks: make(map[string]TaskView)}
}

func (p *Projection) Get(taskID string) (TaskView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.tasks[taskID]
	return v, ok
}

func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tasks)
}

func (p *Projection) update(taskID string, fn func(v *TaskView)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.tasks[taskID]
	if !ok {
		return false
	}
	fn(&v)
	p.tasks[taskID] = v
	return true
}

func (p *Projection) onCreated(_ context.Context, e TaskCreatedPayload, _ events.Metadata) events.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[e.TaskID]; !exists {
		p.tasks[e.TaskID] = TaskView{TaskID: e.TaskID, FolderID: e.FolderID, Title: e.Title, UpdatedAt: e.CreatedAt}
	}
	return events.Success()
}

func (p *Projection) onMoved(_ context.Context, e TaskMovedPayload, _ events.Metadata) events.Result {
	if !p.update(e.TaskID, func(v *TaskView) {
		v.FolderID = e.ToFolderID
		v.UpdatedAt = e.MovedAt
	}) {
		// The create may still be waiting in its own retry stream.
		return events.Retry("task not projected yet")
	}
	return events.Success()
}

func (p *Projection) onRenamed(_ context.Context, e *structpb.Struct, _ events.Metadata) events.Result {
	fields := e.GetFields()
	taskID := fields["task_id"].GetStringValue()
	title := fields["title"].GetStringValue()
	if taskID == "" || title == "" {
		return events.DeadLetter(events.ReasonDeserializationFailed)
	}
	if !p.update(taskID, func(v *TaskView) { v.Title = title }) {
		return events.Retry("task not projected yet")
	}
	return events.Success()
}

func (p *Projection) onDeleted(_ context.Context, e TaskDeletedPayload, _ events.Metadata) events.Result {
	p.mu.Lock()
	delete(p.tasks, e.TaskID)
	p.mu.Unlock()
	return events.Success()
}

// AssignmentHandler forwards TaskAssigned to a Notifier.
type AssignmentHandler struct {
	notifier Notifier
}

func NewAssignmentHandler(n Notifier) *AssignmentHandler {
	return &AssignmentHandler{notifier: n}
}

func (h *AssignmentHandler) handle(ctx context.Context, e TaskAssignedPayload, md events.Metadata) events.Result {
	if e.AssigneeID == "" {
		return events.DeadLetter(ReasonInvalidAssignee)
	}
	err := h.notifier.NotifyAssigned(ctx, e.TaskID, e.AssigneeID)
	switch {
	case err == nil:
		return events.Success()
	case errors.Is(err, ErrUnknownAssignee):
		return events.DeadLetter(ReasonInvalidAssignee)
	default:
		log.Warn().Err(err).
			Str("task_id", e.TaskID).
			Int("attempt", md.Attempts()).
			Msg("assignment notification failed")
		return events.Retry(err.Error())
	}
}

// RegisterHandlers binds every task event. Projection updates are idempotent;
// a redelivered TaskAssigned notifies twice.
func RegisterHandlers(r *events.Registry, p *Projection, assign *AssignmentHandler) error {
	return errors.Join(
		events.Handle(r, EventTaskCreated, p.onCreated),
		events.Handle(r, EventTaskMoved, p.onMoved),
		events.Handle(r, EventTaskDeleted, p.onDeleted),
		events.HandleProto(r, EventTaskRenamed, p.onRenamed),
		events.Handle(r, EventTaskAssigned, assign.handle),
	)
}

// RegisterTypes makes the task events known to a publisher-only registry,
// such as the outbox drain loop's.
func RegisterTypes(r *events.Registry) error {
	return errors.Join(
		events.Register[TaskCreatedPayload](r, EventTaskCreated),
		events.Register[TaskAssignedPayload](r, EventTaskAssigned),
		events.Register[TaskMovedPayload](r, EventTaskMoved),
		events.Register[TaskDeletedPayload](r, EventTaskDeleted),
		events.RegisterProto[*structpb.Struct](r, EventTaskRenamed),
	)
}

// LogNotifier logs assignments; it stands in for the notification service.
type LogNotifier struct{}

func (LogNotifier) NotifyAssigned(_ context.Context, taskID, assigneeID string) error {
	log.Info().Str("task_id", taskID).Str("assignee_id", assigneeID).Msg("task assigned")
	return nil
}
