package invoker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/internal/logger"
)

func fallbackBytes(data string) Fallback {
	return func(context.Context) []byte { return []byte(data) }
}

func TestRunFallsBackWhenToolAbsent(t *testing.T) {
	inv := New(logger.Nop())

	spec := ToolSpec{
		Tool:       "subfinder",
		BinaryPath: "definitely-not-installed-tool",
		Args:       []string{"-d", "example.com"},
		Timeout:    time.Second,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes("www.example.com\n"))

	assert.Equal(t, "www.example.com\n", string(artifact))
	assert.True(t, record.FallbackUsed)
	assert.NotEmpty(t, record.Error)
	assert.NotNil(t, artifact, "fallback guarantee: artifact is never nil")
}

func TestRunFallsBackAfterTimeouts(t *testing.T) {
	inv := New(logger.Nop())

	// sleep outlives the budget on every attempt; two retries are
	// exhausted before the fallback runs.
	spec := ToolSpec{
		Tool:       "testssl",
		BinaryPath: "sleep",
		Args:       []string{"5"},
		Timeout:    50 * time.Millisecond,
		Retries:    2,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes(`{"findings":[]}`))

	assert.True(t, record.FallbackUsed)
	assert.Equal(t, 3, record.TimeoutCount, "initial attempt plus two retries")
	assert.JSONEq(t, `{"findings":[]}`, string(artifact))
}

func TestRunFallsBackOnNonZeroExit(t *testing.T) {
	inv := New(logger.Nop())

	spec := ToolSpec{
		Tool:       "nuclei",
		BinaryPath: "false",
		Timeout:    time.Second,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes("[]"))

	assert.True(t, record.FallbackUsed)
	assert.Equal(t, "[]", string(artifact))
}

func TestRunCapturesStdout(t *testing.T) {
	inv := New(logger.Nop())

	spec := ToolSpec{
		Tool:       "echo",
		BinaryPath: "echo",
		Args:       []string{"www.example.com"},
		Timeout:    5 * time.Second,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes("unused"))

	assert.False(t, record.FallbackUsed)
	assert.Equal(t, "www.example.com\n", string(artifact))
	assert.Zero(t, record.TimeoutCount)
}

func TestRunReadsOutputFile(t *testing.T) {
	inv := New(logger.Nop())

	out := filepath.Join(t.TempDir(), "artifact.json")
	require.NoError(t, os.WriteFile(out, []byte(`["a"]`), 0o600))

	spec := ToolSpec{
		Tool:       "httpx",
		BinaryPath: "true",
		Timeout:    time.Second,
		OutputPath: out,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes("unused"))

	assert.False(t, record.FallbackUsed)
	assert.Equal(t, `["a"]`, string(artifact))
}

func TestRunEmptyOutputTriggersFallback(t *testing.T) {
	inv := New(logger.Nop())

	spec := ToolSpec{
		Tool:       "amass",
		BinaryPath: "true",
		Timeout:    time.Second,
	}

	_, record := inv.Run(context.Background(), spec, fallbackBytes("fallback"))
	assert.True(t, record.FallbackUsed, "empty stdout is a failed run by default")
}

func TestRunEmptyOutputAcceptedWhenConfigured(t *testing.T) {
	inv := New(logger.Nop())

	out := filepath.Join(t.TempDir(), "nuclei.json")
	require.NoError(t, os.WriteFile(out, nil, 0o600))

	spec := ToolSpec{
		Tool:          "nuclei",
		BinaryPath:    "true",
		Timeout:       time.Second,
		OutputPath:    out,
		EmptyOutputOK: true,
	}

	artifact, record := inv.Run(context.Background(), spec, fallbackBytes("unused"))

	assert.False(t, record.FallbackUsed, "no findings is a valid scanner result")
	assert.Empty(t, artifact)
	assert.NotNil(t, artifact)
}

func TestInvocationRecordsSpec(t *testing.T) {
	inv := New(logger.Nop())

	spec := ToolSpec{
		Tool:       "dnstwist",
		BinaryPath: "definitely-not-installed-tool",
		Args:       []string{"--format", "json", "example.com"},
		Timeout:    2 * time.Second,
		Retries:    1,
	}

	_, record := inv.Run(context.Background(), spec, fallbackBytes("[]"))

	assert.Equal(t, "dnstwist", record.Tool)
	assert.Equal(t, spec.Args, record.Args)
	assert.Equal(t, 2*time.Second, record.Timeout)
	assert.Equal(t, 1, record.Retries)
	assert.Positive(t, record.Elapsed)
}
