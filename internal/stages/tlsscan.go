package stages

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// TLSScan analyzes the target's TLS deployment with testssl.sh. When the
// tool is unavailable or exhausts its timeout budget the stage probes
// port 443 in-process for protocol and certificate basics; if even that
// fails it emits a single informational finding so the report section is
// never empty.
type TLSScan struct {
	cfg  config.TestSSLConfig
	inv  *invoker.Invoker
	norm *normalize.Normalizer
}

func NewTLSScan(cfg config.TestSSLConfig, inv *invoker.Invoker, norm *normalize.Normalizer) *TLSScan {
	return &TLSScan{cfg: cfg, inv: inv, norm: norm}
}

func (s *TLSScan) Name() types.Stage { return types.StageTLSScan }

func (s *TLSScan) Run(ctx context.Context, env *Env) types.StageResult {
	outPath := env.Workspace.ArtifactPath(types.StageTLSScan)

	spec := invoker.ToolSpec{
		Tool:        "testssl",
		BinaryPath:  s.cfg.BinaryPath,
		Args:        []string{"--quiet", "--jsonfile", outPath, env.Domain},
		VersionArgs: []string{"--version"},
		Timeout:     s.cfg.Timeout,
		Retries:     s.cfg.Retries,
		OutputPath:  outPath,
	}

	artifact, record := s.inv.Run(ctx, spec, func(fbCtx context.Context) []byte {
		return s.probeFallback(fbCtx, env.Domain)
	})

	env.Set.TLS = s.norm.TLS(artifact, env.Domain)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

// probeFallback performs a plain TLS handshake against domain:443 and
// reports the negotiated protocol and leaf certificate. Handshake failure
// degrades to the unavailable finding.
func (s *TLSScan) probeFallback(ctx context.Context, domain string) []byte {
	report := s.probe(ctx, domain)
	if report == nil {
		report = &types.TLSReport{
			Domain:    domain,
			Protocols: []string{},
			Findings: []types.TLSFinding{{
				ID:       "tls_analysis_unavailable",
				Severity: types.SeverityInfo,
				Detail:   "TLS analysis unavailable",
			}},
		}
	}
	data, err := json.Marshal(report)
	if err != nil {
		return []byte(`{"findings":[]}`)
	}
	return data
}

func (s *TLSScan) probe(ctx context.Context, domain string) *types.TLSReport {
	probeCtx := ctx
	if s.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{ServerName: domain, MinVersion: tls.VersionTLS10},
	}
	conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(domain, "443"))
	if err != nil {
		return nil
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	report := &types.TLSReport{
		Domain:    domain,
		Protocols: []string{tls.VersionName(state.Version)},
		Findings:  []types.TLSFinding{},
	}

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		report.Certificate = &types.Certificate{
			Subject:   leaf.Subject.CommonName,
			Issuer:    leaf.Issuer.CommonName,
			NotBefore: leaf.NotBefore,
			NotAfter:  leaf.NotAfter,
			DNSNames:  leaf.DNSNames,
		}
		if probeCtx.Err() == nil && leaf.NotAfter.Before(timeNow()) {
			report.Findings = append(report.Findings, types.TLSFinding{
				ID:       "cert_expired",
				Severity: types.SeverityHigh,
				Detail:   "leaf certificate is expired",
			})
		}
	}
	return report
}
