// Package uploads tracks in-flight attachment uploads and talks to the file
// transfer endpoints. Each upload is an ephemeral task keyed by a locally
// generated id: uploading -> done or error, then removed after a display
// delay. Tasks surface to the UI as transient placeholder rows merged into
// the conversation render projection.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/researchcopilot/chatlink-go-sdk/conversation"
	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// ErrUploadFailed wraps any transfer or post-upload send failure.
var ErrUploadFailed = errors.New("uploads: upload failed")

// Task states.
const (
	StatusUploading = "uploading"
	StatusDone      = "done"
	StatusError     = "error"
)

// Display delays before a finished task is removed. Errors linger longer so
// the user can read them.
const (
	DefaultSuccessDelay = 1 * time.Second
	DefaultErrorDelay   = 5 * time.Second
)

// Task is one tracked upload.
type Task struct {
	ID        string
	Filename  string
	Size      int64
	Progress  int
	Status    string
	Err       string
	Result    *wire.Attachment
	StartedAt time.Time
}

// SendFunc delivers the message frame referencing an uploaded resource. A
// task reaches done only after this succeeds.
type SendFunc func(ctx context.Context, att wire.Attachment) error

// Uploader is the file transfer collaborator. *Client implements it.
type Uploader interface {
	UploadFile(ctx context.Context, r io.Reader, filename string, size int64, onProgress func(int)) (*wire.Attachment, error)
}

// Tracker holds the live upload tasks for one view.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string

	successDelay time.Duration
	errorDelay   time.Duration
	onChange     func()

	now      func() time.Time
	schedule func(time.Duration, func())
}

// NewTracker creates a tracker with the default display delays. onChange, if
// non-nil, fires after every task mutation so the owning view can re-render.
func NewTracker(onChange func()) *Tracker {
	return &Tracker{
		tasks:        make(map[string]*Task),
		successDelay: DefaultSuccessDelay,
		errorDelay:   DefaultErrorDelay,
		onChange:     onChange,
		now:          time.Now,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// SetDelays overrides the removal delays.
func (t *Tracker) SetDelays(success, failure time.Duration) {
	t.mu.Lock()
	t.successDelay = success
	t.errorDelay = failure
	t.mu.Unlock()
}

// Begin registers a new upload task and returns its temporary id.
func (t *Tracker) Begin(filename string, size int64) string {
	id := "upload-" + uuid.NewString()
	t.mu.Lock()
	t.tasks[id] = &Task{
		ID:        id,
		Filename:  filename,
		Size:      size,
		Status:    StatusUploading,
		StartedAt: t.now(),
	}
	t.order = append(t.order, id)
	t.mu.Unlock()
	t.notify()
	return id
}

// Progress records a transport progress callback. Callbacks can arrive out
// of order; the observable progress never decreases.
func (t *Tracker) Progress(id string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok || task.Status != StatusUploading {
		t.mu.Unlock()
		return
	}
	if pct <= task.Progress {
		t.mu.Unlock()
		return
	}
	task.Progress = pct
	t.mu.Unlock()
	t.notify()
}

// Done moves a task to done and schedules its removal.
func (t *Tracker) Done(id string, att wire.Attachment) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	task.Status = StatusDone
	task.Progress = 100
	task.Result = &att
	delay := t.successDelay
	t.mu.Unlock()
	t.notify()
	t.schedule(delay, func() { t.remove(id) })
}

// Fail moves a task to error and schedules its removal.
func (t *Tracker) Fail(id string, err error) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	task.Status = StatusError
	if err != nil {
		task.Err = err.Error()
	}
	delay := t.errorDelay
	t.mu.Unlock()
	t.notify()
	t.schedule(delay, func() { t.remove(id) })
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	if _, ok := t.tasks[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.tasks, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// Tasks returns a snapshot of the live tasks in creation order.
func (t *Tracker) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.tasks[id])
	}
	return out
}

// Get returns one task by id.
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Placeholders projects the live tasks as transient message rows for the
// render merge. Placeholder timestamps default to now.
func (t *Tracker) Placeholders(sender wire.UserInfo) []conversation.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]conversation.Message, 0, len(t.order))
	for _, id := range t.order {
		task := t.tasks[id]
		out = append(out, conversation.Message{
			ID:           task.ID,
			Sender:       sender,
			TextContent:  task.Filename,
			Timestamp:    t.now(),
			Transient:    true,
			Progress:     task.Progress,
			UploadStatus: task.Status,
			UploadErr:    task.Err,
		})
	}
	return out
}

// Run drives one upload end to end: track, transfer with progress, send the
// referencing message frame, then mark done. The placeholder reaches done
// only after the send succeeds; any failure parks it in error instead. A
// failed send never touches the conversation's stored sequence.
func (t *Tracker) Run(ctx context.Context, r io.Reader, filename string, size int64, up Uploader, send SendFunc) (string, error) {
	id := t.Begin(filename, size)

	att, err := up.UploadFile(ctx, r, filename, size, func(pct int) {
		t.Progress(id, pct)
	})
	if err != nil {
		t.Fail(id, err)
		return id, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if err := send(ctx, *att); err != nil {
		t.Fail(id, err)
		return id, fmt.Errorf("%w: send after upload: %v", ErrUploadFailed, err)
	}

	t.Done(id, *att)
	return id, nil
}
