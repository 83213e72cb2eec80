package invoker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// probeTimeout bounds the lightweight version call used to detect tool
// availability.
const probeTimeout = 10 * time.Second

// ToolSpec describes one bounded external tool execution.
type ToolSpec struct {
	Tool        string
	BinaryPath  string
	Args        []string
	VersionArgs []string
	Timeout     time.Duration
	// Retries applies to timeouts only; a non-zero exit goes straight to
	// the fallback.
	Retries int
	// OutputPath, when set, is where the tool writes its artifact; the
	// invoker reads it back after a successful run. Otherwise the artifact
	// is the tool's stdout.
	OutputPath string
	// EmptyOutputOK accepts an empty artifact as a successful run. Scanners
	// like nuclei legitimately emit nothing when there are no findings.
	EmptyOutputOK bool
}

// Fallback deterministically synthesizes a minimal but structurally valid
// artifact. It never fails.
type Fallback func(ctx context.Context) []byte

// Invoker runs bounded external processes with a declarative
// primary-then-fallback policy and records every attempt as a
// ToolInvocation.
type Invoker struct {
	log      *logger.Logger
	lookPath func(string) (string, error)
}

func New(log *logger.Logger) *Invoker {
	return &Invoker{
		log:      log.WithComponent("invoker"),
		lookPath: exec.LookPath,
	}
}

// Run executes the tool spec, degrading to the fallback on absence,
// exhausted timeouts, non-zero exit, or empty output. It always returns a
// non-nil artifact; the invocation record says which path produced it.
func (inv *Invoker) Run(ctx context.Context, spec ToolSpec, fallback Fallback) ([]byte, types.ToolInvocation) {
	start := time.Now()
	record := types.ToolInvocation{
		Tool:    spec.Tool,
		Args:    spec.Args,
		Timeout: spec.Timeout,
		Retries: spec.Retries,
	}

	artifact, err := inv.runPrimary(ctx, spec, &record)
	if err != nil {
		var toolErr *types.ToolError
		if errors.As(err, &toolErr) {
			inv.log.Warnw("Primary tool failed, running fallback",
				"tool", spec.Tool,
				"kind", string(toolErr.Kind),
				"timeouts", record.TimeoutCount,
				"error", err,
			)
		} else {
			inv.log.Warnw("Primary tool failed, running fallback",
				"tool", spec.Tool,
				"error", err,
			)
		}
		record.Error = err.Error()
		record.FallbackUsed = true
		artifact = fallback(ctx)
	}

	record.Elapsed = time.Since(start)
	if artifact == nil {
		artifact = []byte{}
	}
	return artifact, record
}

func (inv *Invoker) runPrimary(ctx context.Context, spec ToolSpec, record *types.ToolInvocation) ([]byte, error) {
	if err := inv.probe(ctx, spec); err != nil {
		return nil, err
	}

	attempts := spec.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		output, err := inv.execute(ctx, spec, record)
		if err == nil {
			return output, nil
		}

		var toolErr *types.ToolError
		if errors.As(err, &toolErr) && toolErr.Kind == types.ToolTimeout {
			record.TimeoutCount++
			if attempt < attempts-1 {
				inv.log.Debugw("Tool timed out, retrying",
					"tool", spec.Tool,
					"attempt", attempt+1,
					"max_attempts", attempts,
				)
				continue
			}
			return nil, err
		}
		return nil, err
	}

	return nil, &types.ToolError{Tool: spec.Tool, Kind: types.ToolTimeout}
}

// probe checks tool availability with a lightweight version-style call.
func (inv *Invoker) probe(ctx context.Context, spec ToolSpec) error {
	if _, err := inv.lookPath(spec.BinaryPath); err != nil {
		return &types.ToolError{Tool: spec.Tool, Kind: types.ToolUnavailable, Err: err}
	}

	if len(spec.VersionArgs) == 0 {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, spec.BinaryPath, spec.VersionArgs...)
	if err := cmd.Run(); err != nil {
		return &types.ToolError{Tool: spec.Tool, Kind: types.ToolUnavailable, Err: err}
	}
	return nil
}

func (inv *Invoker) execute(ctx context.Context, spec ToolSpec, record *types.ToolInvocation) ([]byte, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.BinaryPath, spec.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmd.ProcessState != nil {
		record.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &types.ToolError{Tool: spec.Tool, Kind: types.ToolTimeout, Err: runCtx.Err()}
	}
	if err != nil {
		return nil, &types.ToolError{Tool: spec.Tool, Kind: types.ToolExecution, Err: err}
	}

	output := stdout.Bytes()
	if spec.OutputPath != "" {
		data, readErr := os.ReadFile(spec.OutputPath)
		if readErr != nil {
			return nil, &types.ToolError{Tool: spec.Tool, Kind: types.ToolExecution, Err: readErr}
		}
		output = data
	}

	if len(bytes.TrimSpace(output)) == 0 && !spec.EmptyOutputOK {
		return nil, &types.ToolError{Tool: spec.Tool, Kind: types.ToolExecution, Err: errors.New("empty output")}
	}
	return output, nil
}
