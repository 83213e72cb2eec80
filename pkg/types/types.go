package types

import (
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Stage identifies one of the six ordered pipeline stages.
type Stage string

const (
	StageDiscover       Stage = "discover"
	StageFingerprint    Stage = "fingerprint"
	StageVulnScan       Stage = "vuln_scan"
	StageTLSScan        Stage = "tls_scan"
	StageLeakCheck      Stage = "leak_check"
	StageTyposquatCheck Stage = "typosquat_check"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageDiscover,
	StageFingerprint,
	StageVulnScan,
	StageTLSScan,
	StageLeakCheck,
	StageTyposquatCheck,
}

// Ordinal returns the 1-based position of the stage in the pipeline,
// or 0 for an unknown stage.
func (s Stage) Ordinal() int {
	for i, stage := range Stages {
		if stage == s {
			return i + 1
		}
	}
	return 0
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// Terminal reports whether the state is final for a job.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type StageOutcome string

const (
	OutcomeOK       StageOutcome = "ok"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeFailed   StageOutcome = "failed"
)

// ScanJob is one end-to-end pipeline execution request for a single domain.
type ScanJob struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Requester string    `json:"requester"`
	State     JobState  `json:"state"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// ToolInvocation records one stage attempt against an external tool,
// including the fallback that replaced it. Immutable once the stage returns.
type ToolInvocation struct {
	Tool         string        `json:"tool"`
	Args         []string      `json:"args,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	Retries      int           `json:"retries"`
	TimeoutCount int           `json:"timeout_count"`
	ExitCode     int           `json:"exit_code"`
	FallbackUsed bool          `json:"fallback_used"`
	Elapsed      time.Duration `json:"elapsed"`
	Error        string        `json:"error,omitempty"`
}

// StageResult is the outcome of one pipeline stage for one job.
type StageResult struct {
	Stage        Stage          `json:"stage"`
	Outcome      StageOutcome   `json:"outcome"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Invocation   ToolInvocation `json:"invocation"`
	Error        string         `json:"error,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Degraded reports whether the stage ran on a fallback instead of its
// primary tool.
func (r StageResult) Degraded() bool {
	return r.Outcome == OutcomeDegraded
}

// Host is one discovered hostname.
type Host struct {
	Name string `json:"name"`
}

// Endpoint is one fingerprinted live endpoint.
type Endpoint struct {
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code"`
	Technologies []string `json:"technologies"`
	Title        string   `json:"title"`
}

// Vulnerability is one normalized vulnerability finding.
type Vulnerability struct {
	Host        string   `json:"host"`
	TemplateID  string   `json:"template_id"`
	Severity    Severity `json:"severity"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
}

// Certificate holds leaf certificate metadata from the TLS stage.
type Certificate struct {
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	DNSNames  []string  `json:"dns_names,omitempty"`
}

// TLSFinding is one normalized TLS analysis finding.
type TLSFinding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// TLSReport is the canonical TLS stage artifact.
type TLSReport struct {
	Domain      string       `json:"domain"`
	Protocols   []string     `json:"protocols"`
	Certificate *Certificate `json:"certificate,omitempty"`
	Findings    []TLSFinding `json:"findings"`
}

// LeakResult is one address checked against breach data.
type LeakResult struct {
	Address     string `json:"address"`
	Compromised bool   `json:"compromised"`
	Breaches    int    `json:"breaches"`
	Verified    bool   `json:"verified"`
}

// TyposquatCandidate is one lookalike domain candidate with resolution
// evidence.
type TyposquatCandidate struct {
	Domain    string   `json:"domain"`
	Fuzzer    string   `json:"fuzzer"`
	Resolved  bool     `json:"resolved"`
	Addresses []string `json:"addresses,omitempty"`
	Registrar string   `json:"registrar,omitempty"`
}

// CanonicalArtifactSet aggregates the normalized output of all six stages.
// Every slice is non-nil after normalization so report assembly never has
// to branch on missing fields.
type CanonicalArtifactSet struct {
	Domain          string               `json:"domain"`
	GeneratedAt     time.Time            `json:"generated_at"`
	Hosts           []Host               `json:"hosts"`
	Endpoints       []Endpoint           `json:"endpoints"`
	Vulnerabilities []Vulnerability      `json:"vulnerabilities"`
	TLS             TLSReport            `json:"tls"`
	Leaks           []LeakResult         `json:"leaks"`
	Typosquats      []TyposquatCandidate `json:"typosquats"`
}

// NewCanonicalArtifactSet returns an artifact set with every collection
// initialized empty.
func NewCanonicalArtifactSet(domain string) *CanonicalArtifactSet {
	return &CanonicalArtifactSet{
		Domain:          domain,
		GeneratedAt:     time.Now().UTC(),
		Hosts:           []Host{},
		Endpoints:       []Endpoint{},
		Vulnerabilities: []Vulnerability{},
		TLS:             TLSReport{Domain: domain, Protocols: []string{}, Findings: []TLSFinding{}},
		Leaks:           []LeakResult{},
		Typosquats:      []TyposquatCandidate{},
	}
}

// Summary holds the headline counts for a completed scan.
type Summary struct {
	Subdomains      int              `json:"subdomains"`
	Endpoints       int              `json:"endpoints"`
	Vulnerabilities int              `json:"vulnerabilities"`
	BySeverity      map[Severity]int `json:"by_severity"`
	CompromisedAddr int              `json:"compromised_addresses"`
	Typosquats      int              `json:"typosquats"`
	DegradedStages  []Stage          `json:"degraded_stages"`
}

// Summarize computes headline counts from an artifact set and its stage
// results.
func Summarize(set *CanonicalArtifactSet, results []StageResult) Summary {
	s := Summary{
		Subdomains:      len(set.Hosts),
		Endpoints:       len(set.Endpoints),
		Vulnerabilities: len(set.Vulnerabilities),
		BySeverity:      map[Severity]int{},
		Typosquats:      len(set.Typosquats),
		DegradedStages:  []Stage{},
	}
	for _, v := range set.Vulnerabilities {
		s.BySeverity[v.Severity]++
	}
	for _, l := range set.Leaks {
		if l.Compromised {
			s.CompromisedAddr++
		}
	}
	for _, r := range results {
		if r.Degraded() {
			s.DegradedStages = append(s.DegradedStages, r.Stage)
		}
	}
	return s
}

// ProgressSnapshot is one observation of a job's progress.
type ProgressSnapshot struct {
	JobID        string    `json:"job_id"`
	State        JobState  `json:"state"`
	Stage        string    `json:"stage,omitempty"`
	StageOrdinal int       `json:"stage_ordinal"`
	TotalStages  int       `json:"total_stages"`
	Percentage   int       `json:"percentage"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScanOutcome is the orchestrator's final answer for one job.
type ScanOutcome struct {
	JobID        string        `json:"job_id"`
	Domain       string        `json:"domain"`
	State        JobState      `json:"state"`
	ReportPath   string        `json:"report_path,omitempty"`
	Error        string        `json:"error,omitempty"`
	StageResults []StageResult `json:"stage_results"`
	Summary      Summary       `json:"summary"`
	Elapsed      time.Duration `json:"elapsed"`
}
