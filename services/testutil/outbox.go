package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
)

type Emitted struct {
	Type    string
	Payload []byte
}

// Recorder is an outbox.Emitter that keeps every emission in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Emitted
}

func (r *Recorder) Emit(_ context.Context, taskType string, payload any, _ ...asynq.Option) {
	b, _ := json.Marshal(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Emitted{Type: taskType, Payload: b})
}

func (r *Recorder) ByType(taskType string) []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emitted, 0)
	for _, e := range r.events {
		if e.Type == taskType {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
