// Package stages implements the six ordered pipeline stages. Each stage
// runs its primary external tool through the invoker, degrades to a
// deterministic in-process fallback when the tool is unavailable, writes
// the raw artifact into the job workspace, and normalizes it into the
// job's canonical artifact set before returning.
package stages

import (
	"context"
	"time"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/internal/workspace"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Env is the per-job context a stage runs in. The artifact set
// accumulates normalized output as stages complete; later stages read
// what earlier stages produced from it.
type Env struct {
	Domain    string
	Workspace *workspace.Workspace
	Set       *types.CanonicalArtifactSet
	Log       *logger.Logger
}

// Stage is one pipeline step. Run never aborts the pipeline: a stage that
// cannot produce verified data returns a degraded or failed result and
// the caller proceeds.
type Stage interface {
	Name() types.Stage
	Run(ctx context.Context, env *Env) types.StageResult
}

// New builds all six stages in pipeline order.
func New(cfg config.ToolsConfig, inv *invoker.Invoker, norm *normalize.Normalizer, log *logger.Logger) []Stage {
	return []Stage{
		NewDiscover(cfg.Subfinder, cfg.Amass, inv, norm),
		NewFingerprint(cfg.HTTPX, inv, norm),
		NewVulnScan(cfg.Nuclei, inv, norm),
		NewTLSScan(cfg.TestSSL, inv, norm),
		NewLeakCheck(cfg.Leaks, norm, log),
		NewTyposquat(cfg.DNSTwist, inv, norm, log),
	}
}

// timeNow is swapped in tests that exercise certificate expiry.
var timeNow = time.Now

// result assembles a StageResult from an invocation record. Fallback use
// degrades the stage; it never fails it.
func result(stage types.Stage, record types.ToolInvocation, artifactPath string) types.StageResult {
	outcome := types.OutcomeOK
	if record.FallbackUsed {
		outcome = types.OutcomeDegraded
	}
	return types.StageResult{
		Stage:        stage,
		Outcome:      outcome,
		ArtifactPath: artifactPath,
		Invocation:   record,
		CompletedAt:  time.Now().UTC(),
	}
}

// persist writes the raw artifact into the workspace. A write failure
// marks the stage failed but the normalized data already in the set is
// kept, so the report still includes it.
func persist(env *Env, res *types.StageResult, artifact []byte) {
	path, err := env.Workspace.WriteArtifact(res.Stage, artifact)
	if err != nil {
		env.Log.Warnw("Failed to persist raw artifact",
			"stage", string(res.Stage),
			"error", err,
		)
		res.Outcome = types.OutcomeFailed
		res.Error = err.Error()
		return
	}
	res.ArtifactPath = path
}
