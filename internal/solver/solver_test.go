package solver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridernav/internal/apperr"
)

// TestHelperProcess is not a real test: the process tests re-run the test
// binary with GO_WANT_SOLVER_HELPER set and it plays the optimizer.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_SOLVER_HELPER") != "1" {
		return
	}
	defer os.Exit(0)
	in := bufio.NewScanner(os.Stdin)
	sum := 0
	lines := 0
	for in.Scan() {
		lines++
		var n int
		if _, err := fmt.Sscanf(in.Text(), "%d", &n); err == nil {
			sum += n
		}
	}
	switch os.Getenv("SOLVER_MODE") {
	case "echo":
		fmt.Printf("%d\n%d\n-1\n", lines, sum)
	case "sleep":
		time.Sleep(10 * time.Second)
	case "crash":
		fmt.Fprintln(os.Stderr, "segfault in heuristic")
		os.Exit(3)
	case "garbage":
		fmt.Println("abc")
	}
}

func helper(t *testing.T, mode string) *Process {
	t.Helper()
	p := &Process{
		Commands: map[Kind]Command{
			KindDispatch: {
				Path: os.Args[0],
				Args: []string{"-test.run=TestHelperProcess"},
				Env:  []string{"GO_WANT_SOLVER_HELPER=1", "SOLVER_MODE=" + mode},
			},
		},
		DebugDir: t.TempDir(),
	}
	return p
}

type sumProblem struct{ lines []string }

func (sumProblem) Kind() Kind                  { return KindDispatch }
func (p sumProblem) Encode() ([]string, error) { return p.lines, nil }
func (sumProblem) Decode(t *Tokens) ([]int, error) {
	return t.Sequence()
}

func TestProcessRoundTripAndDebugArtifact(t *testing.T) {
	p := helper(t, "echo")
	g := NewGateway(p, 5*time.Second, nil)
	got, err := Solve[[]int](context.Background(), g, sumProblem{lines: []string{"3", "4", "5"}})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12}, got)

	b, err := os.ReadFile(filepath.Join(p.DebugDir, "dispatch_input.in"))
	require.NoError(t, err)
	assert.Equal(t, "3\n4\n5\n", string(b))

	// overwritten, not appended
	_, err = Solve[[]int](context.Background(), g, sumProblem{lines: []string{"1"}})
	require.NoError(t, err)
	b, err = os.ReadFile(p.DebugPath(KindDispatch))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(b))
}

func TestGatewayTimeout(t *testing.T) {
	p := helper(t, "sleep")
	g := NewGateway(p, 200*time.Millisecond, nil)
	start := time.Now()
	_, err := Solve[[]int](context.Background(), g, sumProblem{lines: []string{"1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSolver))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessCrashIsSolverFailure(t *testing.T) {
	p := helper(t, "crash")
	_, err := Solve[[]int](context.Background(), NewGateway(p, 5*time.Second, nil), sumProblem{lines: []string{"1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSolver))
	assert.True(t, errors.Is(err, ErrShortOutput))
	assert.Contains(t, err.Error(), "segfault")
}

func TestProcessMalformedOutput(t *testing.T) {
	p := helper(t, "garbage")
	_, err := Solve[[]int](context.Background(), NewGateway(p, 5*time.Second, nil), sumProblem{lines: []string{"1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSolver))
}

func TestProcessMissingBinary(t *testing.T) {
	p := NewProcess(filepath.Join(t.TempDir(), "nope"), "", t.TempDir())
	_, err := Solve[[]int](context.Background(), NewGateway(p, time.Second, nil), sumProblem{lines: []string{"1"}})
	assert.True(t, errors.Is(err, apperr.ErrSolver))

	err = p.Run(context.Background(), KindPickup, nil, func(*Tokens) error { return nil })
	assert.True(t, errors.Is(err, apperr.ErrSolver))
}

func TestEncodeErrorKeepsKind(t *testing.T) {
	bad := badProblem{}
	_, err := Solve[int](context.Background(), NewReplay(nil), bad)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

type badProblem struct{}

func (badProblem) Kind() Kind { return KindPickup }
func (badProblem) Encode() ([]string, error) {
	return nil, apperr.Validationf("encode", "capacity must be > 0")
}
func (badProblem) Decode(*Tokens) (int, error) { return 0, nil }

func TestReplayRecordsInputAndHonoursContext(t *testing.T) {
	r := NewReplay(map[Kind]string{KindDispatch: "7 8 -1"})
	got, err := Solve[[]int](context.Background(), r, sumProblem{lines: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8}, got)
	assert.Equal(t, []string{"a", "b"}, r.Input(KindDispatch))
	assert.Equal(t, 1, r.Calls())

	r.Delay = time.Hour
	g := NewGateway(r, 50*time.Millisecond, nil)
	_, err = Solve[[]int](context.Background(), g, sumProblem{})
	assert.True(t, errors.Is(err, apperr.ErrSolver))
}

func TestTokens(t *testing.T) {
	tk := NewTokens(strings.NewReader("1 2\n-1\n\n-1\n5"))
	s, err := tk.Sequence()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, s)
	s, err = tk.Sequence()
	require.NoError(t, err)
	assert.Empty(t, s)
	_, err = tk.Sequence()
	assert.ErrorIs(t, err, ErrShortOutput)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "17.405991509704737", Float(17.405991509704737))
	assert.Equal(t, "78", Float(78))
	assert.Equal(t, "-3", Int(-3))
}
