// Package solver talks to the external route optimizer. A problem is a list of
// numeric input lines; the answer is a stream of integer tokens where -1 closes
// a sub-sequence.
package solver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ridernav/internal/apperr"
	"ridernav/internal/metrics"
)

type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindPickup   Kind = "pickup"
)

// End terminates a sub-sequence in solver output.
const End = -1

const DefaultTimeout = 10 * time.Second

// Problem is a serializer plus response parser for one problem kind.
type Problem[T any] interface {
	Kind() Kind
	Encode() ([]string, error)
	Decode(t *Tokens) (T, error)
}

// Runner executes one problem instance. decode is called with the answer
// stream and must consume what it needs.
type Runner interface {
	Run(ctx context.Context, kind Kind, input []string, decode func(*Tokens) error) error
}

// Solve encodes p, runs it and decodes the answer. Encoding errors are
// returned untouched so validation failures keep their kind.
func Solve[T any](ctx context.Context, r Runner, p Problem[T]) (T, error) {
	var zero T
	lines, err := p.Encode()
	if err != nil {
		return zero, err
	}
	var out T
	err = r.Run(ctx, p.Kind(), lines, func(t *Tokens) error {
		v, err := p.Decode(t)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// Gateway races a Runner against a wall-clock deadline. The runner keeps its
// context and is cancelled when the deadline fires, but the caller does not
// wait for it to stop.
type Gateway struct {
	Runner  Runner
	Timeout time.Duration
	Log     *zap.Logger
}

func NewGateway(r Runner, timeout time.Duration, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{Runner: r, Timeout: timeout, Log: log}
}

func (g *Gateway) Run(ctx context.Context, kind Kind, input []string, decode func(*Tokens) error) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	op := "solver." + string(kind)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- g.Runner.Run(runCtx, kind, input, decode) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	outcome := "ok"
	select {
	case err = <-done:
		if err != nil {
			outcome = "error"
		}
	case <-timer.C:
		outcome = "timeout"
		err = fmt.Errorf("no answer within %s", timeout)
	case <-ctx.Done():
		outcome = "cancelled"
		err = ctx.Err()
	}
	elapsed := time.Since(start)
	metrics.SolverCalls.WithLabelValues(string(kind), outcome).Inc()
	metrics.SolverDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())

	if err != nil {
		g.Log.Warn("solver call failed",
			zap.String("kind", string(kind)),
			zap.String("outcome", outcome),
			zap.Int("inputLines", len(input)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if apperr.KindOf(err) == apperr.SolverFailure {
			return err
		}
		return apperr.E(apperr.SolverFailure, op, err)
	}
	g.Log.Debug("solver call ok",
		zap.String("kind", string(kind)),
		zap.Int("inputLines", len(input)),
		zap.Duration("elapsed", elapsed))
	return nil
}

// Tokens reads whitespace separated integers.
type Tokens struct {
	sc   *bufio.Scanner
	read int
}

func NewTokens(r io.Reader) *Tokens {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	return &Tokens{sc: sc}
}

// ErrShortOutput means the solver closed its output before the answer was complete.
var ErrShortOutput = errors.New("solver output ended early")

func (t *Tokens) Next() (int, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("after %d tokens: %w", t.read, ErrShortOutput)
	}
	t.read++
	n, err := strconv.Atoi(t.sc.Text())
	if err != nil {
		return 0, fmt.Errorf("token %d: %w", t.read, err)
	}
	return n, nil
}

// Sequence reads integers up to and excluding the End sentinel.
func (t *Tokens) Sequence() ([]int, error) {
	out := []int{}
	for {
		n, err := t.Next()
		if err != nil {
			return nil, err
		}
		if n == End {
			return out, nil
		}
		out = append(out, n)
	}
}

// Int formats an integer protocol line.
func Int(n int) string { return strconv.Itoa(n) }

// Float formats a raw float protocol line in its shortest exact form.
func Float(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
