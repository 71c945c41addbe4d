package solver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ridernav/internal/apperr"
)

// Command is how to launch the optimizer for one problem kind.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Process launches a fresh optimizer per call. Every input line is also
// written to <DebugDir>/<kind>_input.in, replaced on each call, so a run can
// be reproduced offline.
type Process struct {
	Commands map[Kind]Command
	DebugDir string
}

func NewProcess(dispatchBin, pickupBin, debugDir string) *Process {
	return &Process{
		Commands: map[Kind]Command{
			KindDispatch: {Path: dispatchBin},
			KindPickup:   {Path: pickupBin},
		},
		DebugDir: debugDir,
	}
}

// DebugPath is where the input of the last call of kind is kept.
func (p *Process) DebugPath(kind Kind) string {
	return filepath.Join(p.DebugDir, string(kind)+"_input.in")
}

func (p *Process) Run(ctx context.Context, kind Kind, input []string, decode func(*Tokens) error) error {
	op := "solver." + string(kind)
	command, ok := p.Commands[kind]
	if !ok || command.Path == "" {
		return apperr.Solverf(op, "no binary configured for %s", kind)
	}
	if err := p.writeDebug(kind, input); err != nil {
		return apperr.E(apperr.SolverFailure, op, err)
	}

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = append(os.Environ(), command.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperr.E(apperr.SolverFailure, op, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperr.E(apperr.SolverFailure, op, err)
	}
	if err := cmd.Start(); err != nil {
		return apperr.E(apperr.SolverFailure, op, fmt.Errorf("start %s: %w", command.Path, err))
	}

	runErr := feed(stdin, input)
	if runErr == nil {
		runErr = decode(NewTokens(stdout))
	}
	// The answer is read; the process is done either way.
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	if runErr != nil {
		if ctx.Err() != nil {
			runErr = ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			runErr = fmt.Errorf("%w (stderr: %s)", runErr, truncate(msg, 512))
		}
		return apperr.E(apperr.SolverFailure, op, runErr)
	}
	return nil
}

func feed(stdin io.WriteCloser, input []string) error {
	w := bufio.NewWriter(stdin)
	for _, line := range input {
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = stdin.Close()
			return fmt.Errorf("write input: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("write input: %w", err)
	}
	return stdin.Close()
}

func (p *Process) writeDebug(kind Kind, input []string) error {
	if p.DebugDir == "" {
		return fmt.Errorf("debug dir not configured")
	}
	if err := os.MkdirAll(p.DebugDir, 0o755); err != nil {
		return fmt.Errorf("debug dir: %w", err)
	}
	var b strings.Builder
	for _, line := range input {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(p.DebugPath(kind), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("debug artifact: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
