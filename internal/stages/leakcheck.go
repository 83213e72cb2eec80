package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/internal/ratelimit"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// LeakCheck queries a breach data API for the conventional role addresses
// of the target domain. Lookups are rate limited to the provider's
// published ceiling. Without an API key, or when the provider is
// unreachable, the stage falls back to unverified entries so the report
// still names which addresses were considered.
type LeakCheck struct {
	cfg     config.LeaksConfig
	norm    *normalize.Normalizer
	log     *logger.Logger
	limiter *ratelimit.Limiter
	client  *http.Client
}

func NewLeakCheck(cfg config.LeaksConfig, norm *normalize.Normalizer, log *logger.Logger) *LeakCheck {
	return &LeakCheck{
		cfg:     cfg,
		norm:    norm,
		log:     log.WithComponent("leakcheck"),
		limiter: ratelimit.New(cfg.RequestsPerSecond),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *LeakCheck) Name() types.Stage { return types.StageLeakCheck }

func (s *LeakCheck) Run(ctx context.Context, env *Env) types.StageResult {
	start := time.Now()
	record := types.ToolInvocation{Tool: "hibp"}

	addresses := s.addresses(env.Domain)

	var artifact []byte
	if s.cfg.APIKey == "" {
		record.FallbackUsed = true
		record.Error = "no breach API key configured"
		artifact = unverifiedLeaks(addresses)
	} else {
		verified, err := s.lookupAll(ctx, addresses)
		if err != nil {
			s.log.Warnw("Breach lookups failed, marking addresses unverified",
				"domain", env.Domain,
				"error", err,
			)
			record.FallbackUsed = true
			record.Error = err.Error()
			artifact = unverifiedLeaks(addresses)
		} else {
			artifact = verified
		}
	}

	record.Elapsed = time.Since(start)
	env.Set.Leaks = s.norm.Leaks(artifact)

	res := result(s.Name(), record, "")
	persist(env, &res, artifact)
	return res
}

func (s *LeakCheck) addresses(domain string) []string {
	prefixes := s.cfg.Addresses
	if len(prefixes) == 0 {
		prefixes = []string{"admin", "info", "contact", "security"}
	}
	addrs := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		addrs = append(addrs, p+"@"+domain)
	}
	return addrs
}

// lookupAll queries every address and encodes the provider's nested
// response shape. The first transport-level failure aborts the batch; a
// half-verified artifact would misreport the unchecked addresses as
// clean.
func (s *LeakCheck) lookupAll(ctx context.Context, addresses []string) ([]byte, error) {
	results := make(map[string]leakDetail, len(addresses))
	for _, addr := range addresses {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		breaches, err := s.lookup(ctx, addr)
		if err != nil {
			return nil, err
		}
		results[addr] = leakDetail{Filtrado: breaches > 0, Fuentes: breaches}
	}
	return json.Marshal(map[string]map[string]leakDetail{"resultados": results})
}

type leakDetail struct {
	Filtrado bool `json:"filtrado"`
	Fuentes  int  `json:"fuentes"`
}

// lookup returns the number of breaches the provider knows for one
// address. 404 means the address is clean.
func (s *LeakCheck) lookup(ctx context.Context, address string) (int, error) {
	endpoint := fmt.Sprintf("%s/breachedaccount/%s?truncateResponse=true",
		s.cfg.APIBaseURL, url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("hibp-api-key", s.cfg.APIKey)
	req.Header.Set("User-Agent", "scanpipe")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var breaches []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&breaches); err != nil {
			return 0, fmt.Errorf("decode breach response for %s: %w", address, err)
		}
		return len(breaches), nil
	case http.StatusNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("breach lookup for %s: unexpected status %d", address, resp.StatusCode)
	}
}

// unverifiedLeaks marks every address unchecked rather than clean.
func unverifiedLeaks(addresses []string) []byte {
	results := make([]types.LeakResult, 0, len(addresses))
	for _, addr := range addresses {
		results = append(results, types.LeakResult{Address: addr})
	}
	data, err := json.Marshal(results)
	if err != nil {
		return []byte("[]")
	}
	return data
}
