package stages

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Fingerprint probes the discovered hosts with httpx for liveness, status
// and technology detection. The fallback synthesizes unverified endpoints
// from the host list so later stages always have targets.
type Fingerprint struct {
	cfg  config.HTTPXConfig
	inv  *invoker.Invoker
	norm *normalize.Normalizer
}

func NewFingerprint(cfg config.HTTPXConfig, inv *invoker.Invoker, norm *normalize.Normalizer) *Fingerprint {
	return &Fingerprint{cfg: cfg, inv: inv, norm: norm}
}

func (s *Fingerprint) Name() types.Stage { return types.StageFingerprint }

func (s *Fingerprint) Run(ctx context.Context, env *Env) types.StageResult {
	listPath := env.Workspace.ArtifactPath(types.StageDiscover)
	outPath := env.Workspace.ArtifactPath(types.StageFingerprint)

	spec := invoker.ToolSpec{
		Tool:       "httpx",
		BinaryPath: s.cfg.BinaryPath,
		Args: []string{
			"-l", listPath,
			"-json",
			"-status-code",
			"-tech-detect",
			"-title",
			"-threads", strconv.Itoa(s.cfg.Threads),
			"-o", outPath,
		},
		VersionArgs: []string{"-version"},
		Timeout:     s.cfg.Timeout,
		Retries:     s.cfg.Retries,
		OutputPath:  outPath,
	}

	artifact, record := s.inv.Run(ctx, spec, func(context.Context) []byte {
		return unverifiedEndpoints(env.Set.Hosts)
	})

	env.Set.Endpoints = s.norm.Endpoints(artifact)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

// unverifiedEndpoints maps each discovered host to an HTTPS endpoint with
// status zero, marking that liveness was never checked.
func unverifiedEndpoints(hosts []types.Host) []byte {
	endpoints := make([]types.Endpoint, 0, len(hosts))
	for _, h := range hosts {
		endpoints = append(endpoints, types.Endpoint{
			URL:          "https://" + h.Name,
			StatusCode:   0,
			Technologies: []string{},
		})
	}
	data, err := json.Marshal(endpoints)
	if err != nil {
		return []byte("[]")
	}
	return data
}
