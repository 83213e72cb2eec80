package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Artifact file names, one per stage, written under the workspace root.
// The layout is deterministic so report assembly and diagnostics can find
// artifacts without consulting stage results.
var artifactNames = map[types.Stage]string{
	types.StageDiscover:       "subdomains.txt",
	types.StageFingerprint:    "httpx.json",
	types.StageVulnScan:       "nuclei.json",
	types.StageTLSScan:        "tls.json",
	types.StageLeakCheck:      "leaks.json",
	types.StageTyposquatCheck: "typosquat.json",
}

// Workspace is an ephemeral directory exclusively owned by one scan job.
type Workspace struct {
	Path   string
	domain string
	log    *logger.Logger
}

// Manager allocates and destroys per-job workspaces.
type Manager struct {
	root            string
	retainOnFailure bool
	log             *logger.Logger
}

func NewManager(root string, retainOnFailure bool, log *logger.Logger) *Manager {
	return &Manager{
		root:            root,
		retainOnFailure: retainOnFailure,
		log:             log.WithComponent("workspace"),
	}
}

// Acquire creates a uniquely named directory for the job. Names never
// collide across concurrent jobs for the same domain.
func (m *Manager) Acquire(domain string) (*Workspace, error) {
	prefix := fmt.Sprintf("scan_%s_", sanitize(domain))
	path, err := os.MkdirTemp(m.root, prefix)
	if err != nil {
		return nil, &types.OrchestrationError{Op: "workspace acquire", Err: err}
	}

	m.log.Debugw("Workspace acquired", "domain", domain, "path", path)

	return &Workspace{Path: path, domain: domain, log: m.log}, nil
}

// Release deletes the workspace. When the job failed and diagnostics
// retention is enabled the directory is kept instead. Removal failures are
// logged, never escalated into a job-level error.
func (m *Manager) Release(ws *Workspace, jobFailed bool) {
	if ws == nil {
		return
	}

	if jobFailed && m.retainOnFailure {
		m.log.Infow("Retaining workspace for diagnostics",
			"domain", ws.domain,
			"path", ws.Path,
		)
		return
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		m.log.Warnw("Workspace cleanup failed",
			"domain", ws.domain,
			"path", ws.Path,
			"error", err,
		)
		return
	}

	m.log.Debugw("Workspace released", "domain", ws.domain, "path", ws.Path)
}

// ArtifactPath returns the deterministic path of a stage's raw artifact
// file inside the workspace.
func (ws *Workspace) ArtifactPath(stage types.Stage) string {
	name, ok := artifactNames[stage]
	if !ok {
		name = string(stage) + ".raw"
	}
	return filepath.Join(ws.Path, name)
}

// ReadArtifact returns the raw bytes of a stage artifact, or nil when the
// file is missing or empty. A missing artifact is a valid degraded input
// for normalization, not an error.
func (ws *Workspace) ReadArtifact(stage types.Stage) []byte {
	data, err := os.ReadFile(ws.ArtifactPath(stage))
	if err != nil {
		return nil
	}
	return data
}

// WriteArtifact persists raw stage output at the stage's deterministic path.
func (ws *Workspace) WriteArtifact(stage types.Stage, data []byte) (string, error) {
	path := ws.ArtifactPath(stage)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", stage, err)
	}
	return path, nil
}

// WriteFile persists an auxiliary file (tool input lists and the like)
// inside the workspace. name must be a bare file name.
func (ws *Workspace) WriteFile(name string, data []byte) (string, error) {
	path := filepath.Join(ws.Path, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write file %s: %w", name, err)
	}
	return path, nil
}

func sanitize(domain string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, domain)
}
