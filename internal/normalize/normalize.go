// Package normalize converts raw stage artifacts into their canonical
// shapes. External tools disagree about output framing (JSON arrays,
// wrapped objects, NDJSON, plain lines, CSV) and about field names across
// versions; every decoder here accepts the shapes observed in the wild,
// skips records it cannot make sense of, and is idempotent over
// already-canonical input.
package normalize

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type Normalizer struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Normalizer {
	return &Normalizer{log: log.WithComponent("normalize")}
}

func (n *Normalizer) skip(stage types.Stage, record string, err error) {
	n.log.Debugw("Skipping malformed record",
		"stage", string(stage),
		"record", truncate(record, 200),
		"error", err,
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Hosts decodes the discovery artifact. Accepted shapes: newline-separated
// hostnames, a JSON array of strings, or a JSON array of canonical host
// objects. Duplicates are collapsed and the result is sorted.
func (n *Normalizer) Hosts(raw []byte) []types.Host {
	seen := make(map[string]struct{})
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		seen[name] = struct{}{}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var names []string
		if err := json.Unmarshal(trimmed, &names); err == nil {
			for _, name := range names {
				add(name)
			}
		} else {
			var hosts []types.Host
			if err := json.Unmarshal(trimmed, &hosts); err == nil {
				for _, h := range hosts {
					add(h.Name)
				}
			} else {
				n.skip(types.StageDiscover, string(trimmed), err)
			}
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		for scanner.Scan() {
			add(scanner.Text())
		}
	}

	hosts := make([]types.Host, 0, len(seen))
	for name := range seen {
		hosts = append(hosts, types.Host{Name: name})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

// rawEndpoint covers the field spellings httpx has used across releases.
type rawEndpoint struct {
	URL           string   `json:"url"`
	Input         string   `json:"input"`
	StatusCode    int      `json:"status_code"`
	AltStatusCode int      `json:"status-code"`
	Technologies  []string `json:"technologies"`
	Tech          []string `json:"tech"`
	Title         string   `json:"title"`
}

func (r rawEndpoint) canonical() (types.Endpoint, bool) {
	url := r.URL
	if url == "" {
		url = r.Input
	}
	if url == "" {
		return types.Endpoint{}, false
	}
	status := r.StatusCode
	if status == 0 {
		status = r.AltStatusCode
	}
	tech := r.Technologies
	if len(tech) == 0 {
		tech = r.Tech
	}
	if tech == nil {
		tech = []string{}
	}
	return types.Endpoint{URL: url, StatusCode: status, Technologies: tech, Title: r.Title}, true
}

// Endpoints decodes the fingerprint artifact. Accepted shapes: a JSON
// array of endpoint objects, a wrapped object with a "results" key, or
// NDJSON with one object per line.
func (n *Normalizer) Endpoints(raw []byte) []types.Endpoint {
	endpoints := []types.Endpoint{}
	for _, msg := range n.records(types.StageFingerprint, raw, "results", "findings") {
		var r rawEndpoint
		if err := json.Unmarshal(msg, &r); err != nil {
			n.skip(types.StageFingerprint, string(msg), err)
			continue
		}
		if ep, ok := r.canonical(); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// rawVulnerability covers both nuclei output generations and the
// canonical shape.
type rawVulnerability struct {
	Host          string `json:"host"`
	MatchedAt     string `json:"matched-at"`
	TemplateIDOld string `json:"templateID"`
	TemplateIDNew string `json:"template-id"`
	TemplateID    string `json:"template_id"`
	Severity      string `json:"severity"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Info          struct {
		Severity    string `json:"severity"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"info"`
}

func (r rawVulnerability) canonical() (types.Vulnerability, bool) {
	host := r.Host
	if host == "" {
		host = r.MatchedAt
	}
	template := r.TemplateID
	if template == "" {
		template = r.TemplateIDNew
	}
	if template == "" {
		template = r.TemplateIDOld
	}
	if host == "" && template == "" {
		return types.Vulnerability{}, false
	}
	severity := r.Severity
	if severity == "" {
		severity = r.Info.Severity
	}
	if severity == "" {
		severity = string(types.SeverityLow)
	}
	name := r.Name
	if name == "" {
		name = r.Info.Name
	}
	desc := r.Description
	if desc == "" {
		desc = r.Info.Description
	}
	return types.Vulnerability{
		Host:        host,
		TemplateID:  template,
		Severity:    types.Severity(strings.ToLower(severity)),
		Name:        name,
		Description: desc,
	}, true
}

// Vulnerabilities decodes the vuln scan artifact. An empty artifact is a
// valid scan with no findings, not an error.
func (n *Normalizer) Vulnerabilities(raw []byte) []types.Vulnerability {
	vulns := []types.Vulnerability{}
	for _, msg := range n.records(types.StageVulnScan, raw, "results", "findings") {
		var r rawVulnerability
		if err := json.Unmarshal(msg, &r); err != nil {
			n.skip(types.StageVulnScan, string(msg), err)
			continue
		}
		if v, ok := r.canonical(); ok {
			vulns = append(vulns, v)
		}
	}
	return vulns
}

// rawTLSEntry is one testssl.sh finding line.
type rawTLSEntry struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Finding  string `json:"finding"`
	Detail   string `json:"detail"`
}

var testsslSeverities = map[string]types.Severity{
	"CRITICAL": types.SeverityCritical,
	"HIGH":     types.SeverityHigh,
	"MEDIUM":   types.SeverityMedium,
	"LOW":      types.SeverityLow,
	"WARN":     types.SeverityLow,
	"INFO":     types.SeverityInfo,
	"OK":       types.SeverityInfo,
}

// TLS decodes the TLS scan artifact into a canonical report. Accepted
// shapes: an already-canonical report object, a testssl.sh flat array of
// finding entries, or a testssl.sh wrapper object with a "scanResult"
// key. Protocol support is lifted out of findings whose id names a
// protocol version.
func (n *Normalizer) TLS(raw []byte, domain string) types.TLSReport {
	report := types.TLSReport{Domain: domain, Protocols: []string{}, Findings: []types.TLSFinding{}}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return report
	}

	// Canonical report round-trips unchanged.
	var canonical types.TLSReport
	if err := json.Unmarshal(trimmed, &canonical); err == nil && canonical.Findings != nil {
		if canonical.Domain == "" {
			canonical.Domain = domain
		}
		if canonical.Protocols == nil {
			canonical.Protocols = []string{}
		}
		return canonical
	}

	var entries []rawTLSEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		var wrapper struct {
			ScanResult []struct {
				Protocols []rawTLSEntry `json:"protocols"`
				Findings  []rawTLSEntry `json:"serverDefaults"`
				Vulns     []rawTLSEntry `json:"vulnerabilities"`
			} `json:"scanResult"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil || len(wrapper.ScanResult) == 0 {
			n.skip(types.StageTLSScan, string(trimmed), err)
			return report
		}
		for _, sr := range wrapper.ScanResult {
			entries = append(entries, sr.Protocols...)
			entries = append(entries, sr.Findings...)
			entries = append(entries, sr.Vulns...)
		}
	}

	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		detail := e.Finding
		if detail == "" {
			detail = e.Detail
		}
		if proto, ok := protocolID(e.ID); ok {
			if strings.Contains(strings.ToLower(detail), "offered") &&
				!strings.Contains(strings.ToLower(detail), "not offered") {
				report.Protocols = append(report.Protocols, proto)
			}
			continue
		}
		severity, ok := testsslSeverities[strings.ToUpper(e.Severity)]
		if !ok {
			severity = types.SeverityInfo
		}
		report.Findings = append(report.Findings, types.TLSFinding{
			ID:       e.ID,
			Severity: severity,
			Detail:   detail,
		})
	}
	return report
}

func protocolID(id string) (string, bool) {
	switch strings.ToUpper(id) {
	case "SSLV2":
		return "SSLv2", true
	case "SSLV3":
		return "SSLv3", true
	case "TLS1":
		return "TLSv1.0", true
	case "TLS1_1":
		return "TLSv1.1", true
	case "TLS1_2":
		return "TLSv1.2", true
	case "TLS1_3":
		return "TLSv1.3", true
	}
	return "", false
}

// Leaks decodes the leak check artifact. Accepted shapes: the legacy flat
// map of address to compromised flag, the nested wrapper keyed by
// "resultados" with per-address detail objects, or an already-canonical
// array. Results are sorted by address so repeated normalization is
// stable.
func (n *Normalizer) Leaks(raw []byte) []types.LeakResult {
	results := []types.LeakResult{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return results
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &results); err != nil {
			n.skip(types.StageLeakCheck, string(trimmed), err)
			return []types.LeakResult{}
		}
		sortLeaks(results)
		return results
	}

	var nested struct {
		Resultados map[string]struct {
			Filtrado bool `json:"filtrado"`
			Fuentes  int  `json:"fuentes"`
		} `json:"resultados"`
	}
	if err := json.Unmarshal(trimmed, &nested); err == nil && nested.Resultados != nil {
		for addr, detail := range nested.Resultados {
			results = append(results, types.LeakResult{
				Address:     addr,
				Compromised: detail.Filtrado,
				Breaches:    detail.Fuentes,
				Verified:    true,
			})
		}
		sortLeaks(results)
		return results
	}

	var flat map[string]bool
	if err := json.Unmarshal(trimmed, &flat); err != nil {
		n.skip(types.StageLeakCheck, string(trimmed), err)
		return results
	}
	for addr, compromised := range flat {
		r := types.LeakResult{Address: addr, Compromised: compromised, Verified: true}
		if compromised {
			r.Breaches = 1
		}
		results = append(results, r)
	}
	sortLeaks(results)
	return results
}

func sortLeaks(results []types.LeakResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
}

// rawTyposquat covers dnstwist JSON output and the canonical shape.
type rawTyposquat struct {
	Domain     string   `json:"domain"`
	DomainName string   `json:"domain-name"`
	Fuzzer     string   `json:"fuzzer"`
	Resolved   bool     `json:"resolved"`
	Addresses  []string `json:"addresses"`
	DNSA       []string `json:"dns_a"`
	Registrar  string   `json:"registrar"`
	WhoisReg   string   `json:"whois_registrar"`
}

func (r rawTyposquat) canonical() (types.TyposquatCandidate, bool) {
	domain := r.Domain
	if domain == "" {
		domain = r.DomainName
	}
	if domain == "" {
		return types.TyposquatCandidate{}, false
	}
	addrs := r.Addresses
	if len(addrs) == 0 {
		addrs = r.DNSA
	}
	registrar := r.Registrar
	if registrar == "" {
		registrar = r.WhoisReg
	}
	return types.TyposquatCandidate{
		Domain:    domain,
		Fuzzer:    r.Fuzzer,
		Resolved:  r.Resolved || len(addrs) > 0,
		Addresses: addrs,
		Registrar: registrar,
	}, true
}

// Typosquats decodes the typosquat artifact. Accepted shapes: dnstwist
// CSV with a header row, a dnstwist JSON array, or an already-canonical
// array.
func (n *Normalizer) Typosquats(raw []byte) []types.TyposquatCandidate {
	candidates := []types.TyposquatCandidate{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return candidates
	}

	if trimmed[0] == '[' {
		var rows []rawTyposquat
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			n.skip(types.StageTyposquatCheck, string(trimmed), err)
			return candidates
		}
		for _, r := range rows {
			if c, ok := r.canonical(); ok {
				candidates = append(candidates, c)
			}
		}
		return candidates
	}

	return n.typosquatsFromCSV(trimmed)
}

func (n *Normalizer) typosquatsFromCSV(raw []byte) []types.TyposquatCandidate {
	candidates := []types.TyposquatCandidate{}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil || len(rows) == 0 {
		n.skip(types.StageTyposquatCheck, string(raw), err)
		return candidates
	}

	// Column positions from the header row; dnstwist has shuffled columns
	// between releases.
	cols := map[string]int{"fuzzer": 0, "domain-name": 1, "dns-a": 2}
	start := 0
	if strings.EqualFold(rows[0][0], "fuzzer") {
		for i, name := range rows[0] {
			cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		start = 1
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for _, row := range rows[start:] {
		domain := field(row, "domain-name")
		if domain == "" {
			domain = field(row, "domain")
		}
		if domain == "" {
			continue
		}
		var addrs []string
		if a := field(row, "dns-a"); a != "" {
			addrs = strings.Split(a, ";")
		}
		candidates = append(candidates, types.TyposquatCandidate{
			Domain:    domain,
			Fuzzer:    field(row, "fuzzer"),
			Resolved:  len(addrs) > 0,
			Addresses: addrs,
		})
	}
	return candidates
}

// records splits a raw artifact into individual JSON records. It handles
// a top-level array, a wrapper object keyed by any of wrapperKeys, and
// NDJSON.
func (n *Normalizer) records(stage types.Stage, raw []byte, wrapperKeys ...string) []json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var msgs []json.RawMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			n.skip(stage, string(trimmed), err)
			return nil
		}
		return msgs
	}

	// A single object is either a wrapper around the record list or the
	// first line of an NDJSON stream.
	if !bytes.Contains(trimmed, []byte("\n")) && trimmed[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err == nil {
			for _, key := range wrapperKeys {
				if inner, ok := wrapper[key]; ok {
					return n.records(stage, inner, wrapperKeys...)
				}
			}
		}
		return []json.RawMessage{json.RawMessage(trimmed)}
	}

	var msgs []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			n.skip(stage, string(line), nil)
			continue
		}
		msgs = append(msgs, json.RawMessage(append([]byte(nil), line...)))
	}
	return msgs
}
