package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Discover enumerates subdomains of the target. subfinder is the primary
// tool; amass supplements it when enabled. With neither available the
// stage falls back to the conventional host set every organization
// exposes.
type Discover struct {
	subfinder config.SubfinderConfig
	amass     config.AmassConfig
	inv       *invoker.Invoker
	norm      *normalize.Normalizer
}

func NewDiscover(subfinder config.SubfinderConfig, amass config.AmassConfig, inv *invoker.Invoker, norm *normalize.Normalizer) *Discover {
	return &Discover{subfinder: subfinder, amass: amass, inv: inv, norm: norm}
}

func (s *Discover) Name() types.Stage { return types.StageDiscover }

func (s *Discover) Run(ctx context.Context, env *Env) types.StageResult {
	spec := invoker.ToolSpec{
		Tool:        "subfinder",
		BinaryPath:  s.subfinder.BinaryPath,
		Args:        []string{"-d", env.Domain, "-silent"},
		VersionArgs: []string{"-version"},
		Timeout:     s.subfinder.Timeout,
		Retries:     s.subfinder.Retries,
	}

	artifact, record := s.inv.Run(ctx, spec, func(context.Context) []byte {
		return conventionalHosts(env.Domain)
	})

	// amass output only ever widens the result; its absence or failure
	// does not degrade the stage.
	if s.amass.Enabled && !record.FallbackUsed {
		if extra := s.runAmass(ctx, env); len(extra) > 0 {
			artifact = append(append(artifact, '\n'), extra...)
		}
	}

	env.Set.Hosts = s.norm.Hosts(artifact)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

func (s *Discover) runAmass(ctx context.Context, env *Env) []byte {
	spec := invoker.ToolSpec{
		Tool:        "amass",
		BinaryPath:  s.amass.BinaryPath,
		Args:        []string{"enum", "-passive", "-d", env.Domain},
		VersionArgs: []string{"-version"},
		Timeout:     s.amass.Timeout,
	}

	extra, record := s.inv.Run(ctx, spec, func(context.Context) []byte { return nil })
	if record.FallbackUsed {
		return nil
	}
	env.Log.Debugw("Merged supplemental enumeration",
		"tool", "amass",
		"bytes", len(extra),
	)
	return extra
}

// conventionalHosts is the deterministic discovery fallback: the apex and
// the hostnames conventionally served by almost every domain.
func conventionalHosts(domain string) []byte {
	hosts := []string{
		"www." + domain,
		domain,
		"mail." + domain,
		"blog." + domain,
	}
	return []byte(fmt.Sprintf("%s\n", strings.Join(hosts, "\n")))
}
