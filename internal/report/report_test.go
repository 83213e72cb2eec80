package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

func sampleSet() *types.CanonicalArtifactSet {
	set := types.NewCanonicalArtifactSet("example.com")
	set.GeneratedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	set.Hosts = []types.Host{{Name: "www.example.com"}, {Name: "example.com"}}
	set.Endpoints = []types.Endpoint{
		{URL: "https://www.example.com", StatusCode: 200, Technologies: []string{"nginx"}, Title: "Home"},
	}
	set.Vulnerabilities = []types.Vulnerability{
		{Host: "https://www.example.com", TemplateID: "cve-2021-1234", Severity: types.SeverityHigh, Name: "Example CVE"},
	}
	set.TLS = types.TLSReport{
		Domain:    "example.com",
		Protocols: []string{"TLSv1.2", "TLSv1.3"},
		Findings:  []types.TLSFinding{{ID: "cert_expirationStatus", Severity: types.SeverityMedium, Detail: "expires soon"}},
	}
	set.Leaks = []types.LeakResult{
		{Address: "admin@example.com", Compromised: true, Breaches: 2, Verified: true},
		{Address: "info@example.com", Verified: false},
	}
	set.Typosquats = []types.TyposquatCandidate{
		{Domain: "exmple.com", Fuzzer: "omission", Resolved: true, Addresses: []string{"93.184.216.34"}},
	}
	return set
}

func sampleSummary() types.Summary {
	return types.Summary{
		Subdomains:      2,
		Endpoints:       1,
		Vulnerabilities: 1,
		BySeverity:      map[types.Severity]int{types.SeverityHigh: 1},
		CompromisedAddr: 1,
		Typosquats:      1,
		DegradedStages:  []types.Stage{types.StageLeakCheck},
	}
}

func TestAssembleWritesMarkdownAndJSON(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(config.ReportConfig{OutputDirectory: dir}, logger.Nop())

	path, err := a.Assemble(context.Background(), sampleSet(), sampleSummary())
	require.NoError(t, err)
	assert.Equal(t, "report.md", filepath.Base(path))

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(md)
	assert.Contains(t, content, "External Security Report: example.com")
	assert.Contains(t, content, "cve-2021-1234")
	assert.Contains(t, content, "compromised (2 breaches)")
	assert.Contains(t, content, "unverified")
	assert.Contains(t, content, "exmple.com")
	assert.Contains(t, content, "leak_check")

	jsonData, err := os.ReadFile(filepath.Join(filepath.Dir(path), "report.json"))
	require.NoError(t, err)

	var decoded struct {
		Domain  string        `json:"domain"`
		Summary types.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, "example.com", decoded.Domain)
	assert.Equal(t, 2, decoded.Summary.Subdomains)
}

func TestAssembleEmptySetStillProducesReport(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(config.ReportConfig{OutputDirectory: dir}, logger.Nop())

	set := types.NewCanonicalArtifactSet("example.com")
	path, err := a.Assemble(context.Background(), set, types.Summary{BySeverity: map[types.Severity]int{}})
	require.NoError(t, err)

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(md), "No live endpoints identified.")
	assert.Contains(t, string(md), "No vulnerabilities detected")
}

func TestAssembleFailsWithoutWritableDirectory(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("file, not dir"), 0o600))

	a := NewAssembler(config.ReportConfig{
		OutputDirectory: filepath.Join(blocked, "reports"),
	}, logger.Nop())

	_, err := a.Assemble(context.Background(), sampleSet(), sampleSummary())
	require.Error(t, err)

	var re *types.ReportError
	assert.ErrorAs(t, err, &re)
}

func TestReportDirectoryNamedByDomainAndTime(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(config.ReportConfig{OutputDirectory: dir}, logger.Nop())

	path, err := a.Assemble(context.Background(), sampleSet(), sampleSummary())
	require.NoError(t, err)

	parent := filepath.Base(filepath.Dir(path))
	assert.True(t, strings.HasPrefix(parent, "example.com_"), parent)
}
