package solver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Replay answers every call with a canned output and records the input it
// was given. Used to re-run a captured solver answer and in tests.
type Replay struct {
	Output map[Kind]string
	// Delay holds each call before answering; the call still honours ctx.
	Delay time.Duration

	mu     sync.Mutex
	inputs map[Kind][]string
	calls  int
}

func NewReplay(output map[Kind]string) *Replay {
	return &Replay{Output: output}
}

func (r *Replay) Run(ctx context.Context, kind Kind, input []string, decode func(*Tokens) error) error {
	r.mu.Lock()
	if r.inputs == nil {
		r.inputs = map[Kind][]string{}
	}
	r.inputs[kind] = append([]string(nil), input...)
	r.calls++
	out, ok := r.Output[kind]
	r.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !ok {
		return fmt.Errorf("no recorded output for %s", kind)
	}
	return decode(NewTokens(strings.NewReader(out)))
}

// Input returns the lines of the last call of kind.
func (r *Replay) Input(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inputs[kind]...)
}

func (r *Replay) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
