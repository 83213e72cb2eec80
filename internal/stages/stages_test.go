package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/internal/workspace"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

func newTestEnv(t *testing.T, domain string) *Env {
	t.Helper()

	mgr := workspace.NewManager(t.TempDir(), false, logger.Nop())
	ws, err := mgr.Acquire(domain)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Release(ws, false) })

	return &Env{
		Domain:    domain,
		Workspace: ws,
		Set:       types.NewCanonicalArtifactSet(domain),
		Log:       logger.Nop(),
	}
}

func testDeps() (*invoker.Invoker, *normalize.Normalizer) {
	return invoker.New(logger.Nop()), normalize.New(logger.Nop())
}

func TestDiscoverFallsBackToConventionalHosts(t *testing.T) {
	inv, norm := testDeps()
	env := newTestEnv(t, "example.com")

	stage := NewDiscover(config.SubfinderConfig{
		BinaryPath: "definitely-not-installed-tool",
		Timeout:    time.Second,
	}, config.AmassConfig{Enabled: false}, inv, norm)

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	assert.True(t, res.Invocation.FallbackUsed)

	names := make([]string, 0, len(env.Set.Hosts))
	for _, h := range env.Set.Hosts {
		names = append(names, h.Name)
	}
	assert.ElementsMatch(t, []string{
		"www.example.com", "example.com", "mail.example.com", "blog.example.com",
	}, names)

	raw := env.Workspace.ReadArtifact(types.StageDiscover)
	assert.NotNil(t, raw, "raw artifact persisted even for fallback")
}

func TestFingerprintFallbackSynthesizesUnverifiedEndpoints(t *testing.T) {
	inv, norm := testDeps()
	env := newTestEnv(t, "example.com")
	env.Set.Hosts = []types.Host{{Name: "www.example.com"}, {Name: "example.com"}}

	stage := NewFingerprint(config.HTTPXConfig{
		BinaryPath: "definitely-not-installed-tool",
		Timeout:    time.Second,
		Threads:    10,
	}, inv, norm)

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	require.Len(t, env.Set.Endpoints, 2)
	assert.Equal(t, "https://www.example.com", env.Set.Endpoints[0].URL)
	assert.Zero(t, env.Set.Endpoints[0].StatusCode, "liveness never verified")
}

func TestVulnScanEmptyOutputIsCleanScan(t *testing.T) {
	inv, norm := testDeps()
	env := newTestEnv(t, "example.com")
	env.Set.Endpoints = []types.Endpoint{{URL: "https://example.com"}}

	// Pre-created empty output and a no-op binary model a scanner run
	// that finished without findings.
	outPath := env.Workspace.ArtifactPath(types.StageVulnScan)
	require.NoError(t, os.WriteFile(outPath, nil, 0o600))

	stage := NewVulnScan(config.NucleiConfig{
		BinaryPath: "true",
		Timeout:    time.Second,
		Severities: []string{"high", "critical"},
		RateLimit:  150,
	}, inv, norm)

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeOK, res.Outcome, "no findings is a valid result")
	assert.False(t, res.Invocation.FallbackUsed)
	assert.Equal(t, []types.Vulnerability{}, env.Set.Vulnerabilities)
}

func TestVulnScanFallbackYieldsEmptyFindings(t *testing.T) {
	inv, norm := testDeps()
	env := newTestEnv(t, "example.com")

	stage := NewVulnScan(config.NucleiConfig{
		BinaryPath: "definitely-not-installed-tool",
		Timeout:    time.Second,
		Severities: []string{"high"},
		RateLimit:  150,
	}, inv, norm)

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	assert.Equal(t, []types.Vulnerability{}, env.Set.Vulnerabilities)
}

func TestTLSScanTimeoutFallsBackToInfoFinding(t *testing.T) {
	inv, norm := testDeps()
	// Reserved TLD, so the in-process probe cannot connect either.
	env := newTestEnv(t, "unreachable.invalid")

	// A stand-in binary that outlives every attempt regardless of the
	// arguments it is handed.
	slow := filepath.Join(t.TempDir(), "slow-testssl")
	require.NoError(t, os.WriteFile(slow, []byte("#!/bin/sh\nsleep 1\n"), 0o700))

	stage := NewTLSScan(config.TestSSLConfig{
		BinaryPath:   slow,
		Timeout:      50 * time.Millisecond,
		Retries:      1,
		ProbeTimeout: 200 * time.Millisecond,
	}, inv, norm)

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	assert.True(t, res.Invocation.FallbackUsed)
	assert.Equal(t, 2, res.Invocation.TimeoutCount)

	require.Len(t, env.Set.TLS.Findings, 1)
	assert.Equal(t, types.SeverityInfo, env.Set.TLS.Findings[0].Severity)
	assert.Equal(t, "TLS analysis unavailable", env.Set.TLS.Findings[0].Detail)
}

func TestLeakCheckWithoutAPIKeyMarksUnverified(t *testing.T) {
	_, norm := testDeps()
	env := newTestEnv(t, "example.com")

	stage := NewLeakCheck(config.LeaksConfig{
		RequestsPerSecond: 100,
		Timeout:           time.Second,
		Addresses:         []string{"admin", "info", "contact", "security"},
	}, norm, logger.Nop())

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	require.Len(t, env.Set.Leaks, 4)
	for _, leak := range env.Set.Leaks {
		assert.False(t, leak.Verified)
		assert.False(t, leak.Compromised)
	}
}

func TestLeakCheckVerifiedLookups(t *testing.T) {
	_, norm := testDeps()
	env := newTestEnv(t, "example.com")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("hibp-api-key"))
		if r.URL.Path == "/breachedaccount/admin@example.com" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"Name":"Adobe"},{"Name":"LinkedIn"}]`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	stage := NewLeakCheck(config.LeaksConfig{
		APIBaseURL:        srv.URL,
		APIKey:            "test-key",
		RequestsPerSecond: 100,
		Timeout:           time.Second,
		Addresses:         []string{"admin", "info"},
	}, norm, logger.Nop())

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeOK, res.Outcome)
	require.Len(t, env.Set.Leaks, 2)
	assert.Equal(t, "admin@example.com", env.Set.Leaks[0].Address)
	assert.True(t, env.Set.Leaks[0].Compromised)
	assert.Equal(t, 2, env.Set.Leaks[0].Breaches)
	assert.True(t, env.Set.Leaks[0].Verified)
	assert.False(t, env.Set.Leaks[1].Compromised)
}

func TestTyposquatFallbackKeepsOnlyResolvedCandidates(t *testing.T) {
	inv, norm := testDeps()
	env := newTestEnv(t, "example.com")

	stage := NewTyposquat(config.DNSTwistConfig{
		BinaryPath:      "definitely-not-installed-tool",
		Timeout:         time.Second,
		ResolveTimeout:  time.Second,
		MaxWhoisLookups: 1,
	}, inv, norm, logger.Nop())

	stage.resolve = func(_ context.Context, name string) []string {
		if name == "exmple.com" {
			return []string{"93.184.216.34"}
		}
		return nil
	}
	stage.whoisLookup = func(string) string { return "Example Registrar Inc." }

	res := stage.Run(context.Background(), env)

	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	require.Len(t, env.Set.Typosquats, 1)
	got := env.Set.Typosquats[0]
	assert.Equal(t, "exmple.com", got.Domain)
	assert.Equal(t, "omission", got.Fuzzer)
	assert.True(t, got.Resolved)
	assert.Equal(t, []string{"93.184.216.34"}, got.Addresses)
	assert.Equal(t, "Example Registrar Inc.", got.Registrar)
}

func TestFuzzDomainProperties(t *testing.T) {
	candidates := FuzzDomain("example.com")
	require.NotEmpty(t, candidates)

	seen := map[string]struct{}{}
	fuzzers := map[string]bool{}
	for _, c := range candidates {
		assert.NotEqual(t, "example.com", c.Domain, "input is never a candidate")
		_, dup := seen[c.Domain]
		assert.False(t, dup, "candidate %s generated twice", c.Domain)
		seen[c.Domain] = struct{}{}
		fuzzers[c.Fuzzer] = true
		assert.Contains(t, c.Domain, ".com", "fuzzing never touches the suffix")
	}
	for _, f := range []string{"omission", "duplication", "hyphenation", "transposition"} {
		assert.True(t, fuzzers[f], "fuzzer %s produced no candidates", f)
	}
}

func TestFuzzDomainRejectsUnsplittableInput(t *testing.T) {
	assert.Nil(t, FuzzDomain("localhost"))
	assert.Nil(t, FuzzDomain(".com"))
}

func TestLeakArtifactShapeSurvivesNormalization(t *testing.T) {
	_, norm := testDeps()
	env := newTestEnv(t, "example.com")

	stage := NewLeakCheck(config.LeaksConfig{
		RequestsPerSecond: 100,
		Timeout:           time.Second,
	}, norm, logger.Nop())

	stage.Run(context.Background(), env)

	raw := env.Workspace.ReadArtifact(types.StageLeakCheck)
	require.NotNil(t, raw)
	var arr []types.LeakResult
	require.NoError(t, json.Unmarshal(raw, &arr))
	assert.Equal(t, env.Set.Leaks, norm.Leaks(raw))
}
