package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task tracks one capture invocation: its deadline, turn floor, and every
// best-effort failure that was swallowed along the way. At most one strategy
// may win a task.
type Task struct {
	ID       string
	Deadline time.Time
	Floor    int

	mu   sync.Mutex
	soft []Soft
}

func newTask(deadline time.Time, floor int) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Deadline: deadline,
		Floor:    floor,
	}
}

// note records a swallowed best-effort failure and logs it. Soft entries
// never escalate into the capture result.
func (t *Task) note(log *zap.Logger, op string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.soft = append(t.soft, Soft{Op: op, Err: err})
	t.mu.Unlock()
	log.Debug("best-effort failure swallowed",
		zap.String("task", t.ID),
		zap.String("op", op),
		zap.Error(err))
}

// SoftFailures returns the swallowed failures recorded so far.
func (t *Task) SoftFailures() []Soft {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Soft, len(t.soft))
	copy(out, t.soft)
	return out
}
