package stages

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"github.com/miekg/dns"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Typosquat hunts for lookalike registrations of the target domain.
// dnstwist is the primary tool. The fallback generates candidates with
// deterministic character-level fuzzers, resolves each against the
// configured resolver, and attaches registrar evidence for a bounded
// number of resolved hits.
type Typosquat struct {
	cfg  config.DNSTwistConfig
	inv  *invoker.Invoker
	norm *normalize.Normalizer
	log  *logger.Logger

	resolve     func(ctx context.Context, name string) []string
	whoisLookup func(domain string) string
}

func NewTyposquat(cfg config.DNSTwistConfig, inv *invoker.Invoker, norm *normalize.Normalizer, log *logger.Logger) *Typosquat {
	s := &Typosquat{cfg: cfg, inv: inv, norm: norm, log: log.WithComponent("typosquat")}
	s.resolve = s.resolveA
	s.whoisLookup = s.registrar
	return s
}

func (s *Typosquat) Name() types.Stage { return types.StageTyposquatCheck }

func (s *Typosquat) Run(ctx context.Context, env *Env) types.StageResult {
	spec := invoker.ToolSpec{
		Tool:        "dnstwist",
		BinaryPath:  s.cfg.BinaryPath,
		Args:        []string{"--registered", "--format", "json", env.Domain},
		VersionArgs: []string{"--version"},
		Timeout:     s.cfg.Timeout,
		Retries:     s.cfg.Retries,
	}

	artifact, record := s.inv.Run(ctx, spec, func(fbCtx context.Context) []byte {
		return s.generateFallback(fbCtx, env.Domain)
	})

	env.Set.Typosquats = s.norm.Typosquats(artifact)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

// generateFallback fuzzes the domain, resolves every candidate, and keeps
// only candidates with DNS evidence. Registrar lookups are capped so a
// noisy domain cannot stall the stage on whois round trips.
func (s *Typosquat) generateFallback(ctx context.Context, domain string) []byte {
	candidates := []types.TyposquatCandidate{}
	whoisBudget := s.cfg.MaxWhoisLookups

	for _, c := range FuzzDomain(domain) {
		if ctx.Err() != nil {
			break
		}
		addrs := s.resolve(ctx, c.Domain)
		if len(addrs) == 0 {
			continue
		}
		c.Resolved = true
		c.Addresses = addrs
		if whoisBudget > 0 {
			c.Registrar = s.whoisLookup(c.Domain)
			whoisBudget--
		}
		candidates = append(candidates, c)
	}

	data, err := json.Marshal(candidates)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func (s *Typosquat) resolveA(ctx context.Context, name string) []string {
	client := &dns.Client{Timeout: s.cfg.ResolveTimeout}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	resp, _, err := client.ExchangeContext(ctx, msg, s.cfg.Resolver)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs
}

func (s *Typosquat) registrar(domain string) string {
	raw, err := whois.Whois(domain)
	if err != nil {
		return ""
	}
	parsed, err := whoisparser.Parse(raw)
	if err != nil || parsed.Registrar == nil {
		return ""
	}
	return parsed.Registrar.Name
}

// FuzzDomain deterministically generates lookalike candidates for a
// domain using character omission, duplication, hyphenation, and adjacent
// transposition of the registrable label. Candidates are unique and never
// include the input itself.
func FuzzDomain(domain string) []types.TyposquatCandidate {
	label, suffix, ok := splitLabel(domain)
	if !ok {
		return nil
	}

	seen := map[string]struct{}{domain: {}}
	var out []types.TyposquatCandidate
	add := func(fuzzer, candidate string) {
		if candidate == "" {
			return
		}
		full := candidate + suffix
		if _, dup := seen[full]; dup {
			return
		}
		seen[full] = struct{}{}
		out = append(out, types.TyposquatCandidate{Domain: full, Fuzzer: fuzzer})
	}

	for i := 0; i < len(label); i++ {
		if len(label) > 2 {
			add("omission", label[:i]+label[i+1:])
		}
		add("duplication", label[:i]+string(label[i])+label[i:])
	}
	for i := 1; i < len(label); i++ {
		if label[i-1] != '-' && label[i] != '-' {
			add("hyphenation", label[:i]+"-"+label[i:])
		}
	}
	for i := 0; i < len(label)-1; i++ {
		if label[i] == label[i+1] {
			continue
		}
		swapped := []byte(label)
		swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
		add("transposition", string(swapped))
	}
	return out
}

// splitLabel separates the leftmost label from the rest of the domain.
// Fuzzing applies to the registrable label only; mutating the TLD
// produces candidates nobody can register.
func splitLabel(domain string) (label, suffix string, ok bool) {
	idx := strings.Index(domain, ".")
	if idx <= 0 || idx == len(domain)-1 {
		return "", "", false
	}
	return domain[:idx], domain[idx:], true
}
