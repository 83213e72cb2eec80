package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

func newTestNormalizer() *Normalizer {
	return New(logger.Nop())
}

func TestHostsPlainLines(t *testing.T) {
	n := newTestNormalizer()

	raw := []byte("www.example.com\nexample.com\n\nMAIL.example.com\nwww.example.com\n")
	hosts := n.Hosts(raw)

	assert.Equal(t, []types.Host{
		{Name: "example.com"},
		{Name: "mail.example.com"},
		{Name: "www.example.com"},
	}, hosts)
}

func TestHostsJSONArrayShapes(t *testing.T) {
	n := newTestNormalizer()

	fromStrings := n.Hosts([]byte(`["www.example.com", "example.com"]`))
	fromObjects := n.Hosts([]byte(`[{"name":"www.example.com"},{"name":"example.com"}]`))

	assert.Equal(t, fromStrings, fromObjects)
	assert.Len(t, fromStrings, 2)
}

func TestHostsEmpty(t *testing.T) {
	n := newTestNormalizer()
	assert.Equal(t, []types.Host{}, n.Hosts(nil))
	assert.Equal(t, []types.Host{}, n.Hosts([]byte("  \n ")))
}

func TestEndpointsArrayAndNDJSONAgree(t *testing.T) {
	n := newTestNormalizer()

	array := []byte(`[{"url":"https://www.example.com","status_code":200,"technologies":["nginx"],"title":"Home"}]`)
	ndjson := []byte(`{"url":"https://www.example.com","status-code":200,"tech":["nginx"],"title":"Home"}` + "\n")

	fromArray := n.Endpoints(array)
	fromNDJSON := n.Endpoints(ndjson)

	assert.Equal(t, fromArray, fromNDJSON)
	require.Len(t, fromArray, 1)
	assert.Equal(t, 200, fromArray[0].StatusCode)
	assert.Equal(t, []string{"nginx"}, fromArray[0].Technologies)
}

func TestEndpointsWrappedObject(t *testing.T) {
	n := newTestNormalizer()

	for _, raw := range [][]byte{
		[]byte(`{"results":[{"url":"https://example.com","status_code":301}]}`),
		[]byte(`{"findings":[{"url":"https://example.com","status_code":301}]}`),
	} {
		endpoints := n.Endpoints(raw)

		require.Len(t, endpoints, 1)
		assert.Equal(t, "https://example.com", endpoints[0].URL)
		assert.NotNil(t, endpoints[0].Technologies)
	}
}

func TestEndpointsSkipsMalformedLines(t *testing.T) {
	n := newTestNormalizer()

	raw := []byte(`{"url":"https://a.example.com","status_code":200}` + "\n" +
		`not json at all` + "\n" +
		`{"url":"https://b.example.com","status_code":404}` + "\n")

	endpoints := n.Endpoints(raw)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "https://a.example.com", endpoints[0].URL)
	assert.Equal(t, "https://b.example.com", endpoints[1].URL)
}

func TestVulnerabilitiesEmptyArtifactIsValid(t *testing.T) {
	n := newTestNormalizer()

	assert.Equal(t, []types.Vulnerability{}, n.Vulnerabilities(nil))
	assert.Equal(t, []types.Vulnerability{}, n.Vulnerabilities([]byte("")))
	assert.Equal(t, []types.Vulnerability{}, n.Vulnerabilities([]byte("[]")))
}

func TestVulnerabilitiesFieldGenerations(t *testing.T) {
	n := newTestNormalizer()

	old := []byte(`[{"matched-at":"https://example.com","templateID":"cve-2021-1234","info":{"severity":"high","name":"Old CVE"}}]`)
	current := []byte(`{"host":"https://example.com","template-id":"cve-2021-1234","info":{"severity":"HIGH","name":"Old CVE"}}` + "\n")

	fromOld := n.Vulnerabilities(old)
	fromNew := n.Vulnerabilities(current)

	require.Len(t, fromOld, 1)
	require.Len(t, fromNew, 1)
	assert.Equal(t, fromOld[0].TemplateID, fromNew[0].TemplateID)
	assert.Equal(t, types.SeverityHigh, fromOld[0].Severity)
	assert.Equal(t, types.SeverityHigh, fromNew[0].Severity)
}

func TestVulnerabilitiesWrapperKeys(t *testing.T) {
	n := newTestNormalizer()

	record := `{"host":"https://example.com","template-id":"cve-2021-1234","info":{"severity":"high","name":"Old CVE"}}`
	for _, raw := range [][]byte{
		[]byte(`{"results":[` + record + `]}`),
		[]byte(`{"findings":[` + record + `]}`),
	} {
		vulns := n.Vulnerabilities(raw)

		require.Len(t, vulns, 1)
		assert.Equal(t, "cve-2021-1234", vulns[0].TemplateID)
		assert.Equal(t, types.SeverityHigh, vulns[0].Severity)
	}
}

func TestTLSFromTestsslEntries(t *testing.T) {
	n := newTestNormalizer()

	raw := []byte(`[
		{"id":"TLS1_2","severity":"OK","finding":"offered"},
		{"id":"SSLV3","severity":"HIGH","finding":"not offered"},
		{"id":"cert_expirationStatus","severity":"MEDIUM","finding":"expires < 30 days"},
		{"id":"heartbleed","severity":"OK","finding":"not vulnerable"}
	]`)

	report := n.TLS(raw, "example.com")

	assert.Equal(t, "example.com", report.Domain)
	assert.Equal(t, []string{"TLSv1.2"}, report.Protocols)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, types.SeverityMedium, report.Findings[0].Severity)
	assert.Equal(t, types.SeverityInfo, report.Findings[1].Severity)
}

func TestTLSCanonicalRoundTrip(t *testing.T) {
	n := newTestNormalizer()

	report := types.TLSReport{
		Domain:    "example.com",
		Protocols: []string{"TLSv1.3"},
		Findings: []types.TLSFinding{
			{ID: "tls_unavailable", Severity: types.SeverityInfo, Detail: "TLS analysis unavailable"},
		},
	}
	raw, err := json.Marshal(report)
	require.NoError(t, err)

	assert.Equal(t, report, n.TLS(raw, "example.com"))
}

func TestTLSEmptyOrMalformed(t *testing.T) {
	n := newTestNormalizer()

	empty := n.TLS(nil, "example.com")
	assert.Equal(t, "example.com", empty.Domain)
	assert.Empty(t, empty.Findings)
	assert.NotNil(t, empty.Findings)

	garbage := n.TLS([]byte("{{{"), "example.com")
	assert.NotNil(t, garbage.Findings)
}

func TestLeaksFlatAndNestedShapesAgree(t *testing.T) {
	n := newTestNormalizer()

	flat := []byte(`{"admin@example.com": true, "info@example.com": false}`)
	nested := []byte(`{"resultados": {
		"admin@example.com": {"filtrado": true, "fuentes": 1},
		"info@example.com": {"filtrado": false, "fuentes": 0}
	}}`)

	fromFlat := n.Leaks(flat)
	fromNested := n.Leaks(nested)

	assert.Equal(t, fromFlat, fromNested)
	require.Len(t, fromFlat, 2)
	assert.Equal(t, "admin@example.com", fromFlat[0].Address)
	assert.True(t, fromFlat[0].Compromised)
	assert.False(t, fromFlat[1].Compromised)

	count := func(results []types.LeakResult) int {
		c := 0
		for _, r := range results {
			if r.Compromised {
				c++
			}
		}
		return c
	}
	assert.Equal(t, count(fromFlat), count(fromNested))
}

func TestLeaksCanonicalArray(t *testing.T) {
	n := newTestNormalizer()

	results := []types.LeakResult{
		{Address: "admin@example.com", Compromised: true, Breaches: 3, Verified: true},
	}
	raw, err := json.Marshal(results)
	require.NoError(t, err)

	assert.Equal(t, results, n.Leaks(raw))
}

func TestTyposquatsCSV(t *testing.T) {
	n := newTestNormalizer()

	raw := []byte("fuzzer,domain-name,dns-a,dns-aaaa,dns-mx,dns-ns,geoip-country,whois-created\n" +
		"omission,exmple.com,93.184.216.34,,,,,\n" +
		"addition,examplea.com,,,,,,\n")

	candidates := n.Typosquats(raw)
	require.Len(t, candidates, 2)
	assert.Equal(t, "exmple.com", candidates[0].Domain)
	assert.Equal(t, "omission", candidates[0].Fuzzer)
	assert.True(t, candidates[0].Resolved)
	assert.Equal(t, []string{"93.184.216.34"}, candidates[0].Addresses)
	assert.False(t, candidates[1].Resolved)
}

func TestTyposquatsJSON(t *testing.T) {
	n := newTestNormalizer()

	raw := []byte(`[{"fuzzer":"homoglyph","domain-name":"examp1e.com","dns_a":["93.184.216.34"]}]`)
	candidates := n.Typosquats(raw)

	require.Len(t, candidates, 1)
	assert.Equal(t, "examp1e.com", candidates[0].Domain)
	assert.True(t, candidates[0].Resolved)
}

func TestNormalizationIsIdempotent(t *testing.T) {
	n := newTestNormalizer()

	hosts := n.Hosts([]byte("b.example.com\na.example.com\n"))
	again, err := json.Marshal(hosts)
	require.NoError(t, err)
	assert.Equal(t, hosts, n.Hosts(again))

	leaks := n.Leaks([]byte(`{"admin@example.com": true}`))
	rawLeaks, err := json.Marshal(leaks)
	require.NoError(t, err)
	assert.Equal(t, leaks, n.Leaks(rawLeaks))

	raw := []byte(`[{"fuzzer":"omission","domain":"exmple.com","resolved":true,"addresses":["93.184.216.34"]}]`)
	typos := n.Typosquats(raw)
	rawTypos, err := json.Marshal(typos)
	require.NoError(t, err)
	assert.Equal(t, typos, n.Typosquats(rawTypos))
}
