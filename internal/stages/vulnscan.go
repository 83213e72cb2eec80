package stages

import (
	"context"
	"strconv"
	"strings"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// VulnScan runs nuclei against the fingerprinted endpoints. An empty
// artifact is a clean scan, not a failure. The fallback is the empty
// finding list; there is no meaningful in-process substitute for a
// template scanner.
type VulnScan struct {
	cfg  config.NucleiConfig
	inv  *invoker.Invoker
	norm *normalize.Normalizer
}

func NewVulnScan(cfg config.NucleiConfig, inv *invoker.Invoker, norm *normalize.Normalizer) *VulnScan {
	return &VulnScan{cfg: cfg, inv: inv, norm: norm}
}

func (s *VulnScan) Name() types.Stage { return types.StageVulnScan }

func (s *VulnScan) Run(ctx context.Context, env *Env) types.StageResult {
	targetsPath, err := s.writeTargets(env)
	if err != nil {
		env.Log.Warnw("Failed to write scan targets", "error", err)
		res := types.StageResult{Stage: s.Name(), Outcome: types.OutcomeFailed, Error: err.Error()}
		env.Set.Vulnerabilities = []types.Vulnerability{}
		return res
	}

	outPath := env.Workspace.ArtifactPath(types.StageVulnScan)
	spec := invoker.ToolSpec{
		Tool:       "nuclei",
		BinaryPath: s.cfg.BinaryPath,
		Args: []string{
			"-l", targetsPath,
			"-severity", strings.Join(s.cfg.Severities, ","),
			"-jsonl",
			"-rate-limit", strconv.Itoa(s.cfg.RateLimit),
			"-o", outPath,
		},
		VersionArgs:   []string{"-version"},
		Timeout:       s.cfg.Timeout,
		Retries:       s.cfg.Retries,
		OutputPath:    outPath,
		EmptyOutputOK: true,
	}

	artifact, record := s.inv.Run(ctx, spec, func(context.Context) []byte {
		return []byte("[]")
	})

	env.Set.Vulnerabilities = s.norm.Vulnerabilities(artifact)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

// writeTargets materializes the endpoint URLs as a line-per-target file
// next to the other artifacts.
func (s *VulnScan) writeTargets(env *Env) (string, error) {
	var b strings.Builder
	for _, ep := range env.Set.Endpoints {
		b.WriteString(ep.URL)
		b.WriteByte('\n')
	}
	return env.Workspace.WriteFile("targets.txt", []byte(b.String()))
}
