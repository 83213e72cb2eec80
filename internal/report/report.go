// Package report renders a completed scan's canonical artifact set into
// deliverable files. The JSON report is the durable machine-readable
// record and is always written; the Markdown report is the human
// deliverable and its failure degrades the result to JSON only.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nao1215/markdown"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type Assembler struct {
	cfg config.ReportConfig
	log *logger.Logger
}

func NewAssembler(cfg config.ReportConfig, log *logger.Logger) core.ReportAssembler {
	return &Assembler{cfg: cfg, log: log.WithComponent("report")}
}

// Assemble writes the report files and returns the path of the richest
// one produced. It fails only when not even the JSON report could be
// written.
func (a *Assembler) Assemble(ctx context.Context, set *types.CanonicalArtifactSet, summary types.Summary) (string, error) {
	dir := filepath.Join(a.cfg.OutputDirectory,
		fmt.Sprintf("%s_%s", set.Domain, set.GeneratedAt.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", &types.ReportError{Domain: set.Domain, Err: err}
	}

	jsonPath := filepath.Join(dir, "report.json")
	if err := a.writeJSON(jsonPath, set, summary); err != nil {
		return "", err
	}

	mdPath := filepath.Join(dir, "report.md")
	if err := a.writeMarkdown(mdPath, set, summary); err != nil {
		a.log.Warnw("Markdown rendering failed, delivering JSON report only",
			"domain", set.Domain,
			"error", err,
		)
		return jsonPath, nil
	}
	return mdPath, nil
}

func (a *Assembler) writeJSON(path string, set *types.CanonicalArtifactSet, summary types.Summary) error {
	payload := struct {
		*types.CanonicalArtifactSet
		Summary types.Summary `json:"summary"`
	}{set, summary}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &types.ReportError{Domain: set.Domain, Err: err}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return &types.ReportError{Domain: set.Domain, Err: err}
	}
	return nil
}

func (a *Assembler) writeMarkdown(path string, set *types.CanonicalArtifactSet, summary types.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	md := markdown.NewMarkdown(f)

	md.H1("External Security Report: " + set.Domain)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + set.Domain + "`"},
			{"Generated", set.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
			{"Subdomains", strconv.Itoa(summary.Subdomains)},
			{"Live Endpoints", strconv.Itoa(summary.Endpoints)},
			{"Vulnerabilities", strconv.Itoa(summary.Vulnerabilities)},
			{"Compromised Addresses", strconv.Itoa(summary.CompromisedAddr)},
			{"Typosquat Candidates", strconv.Itoa(summary.Typosquats)},
		},
	})
	md.PlainText("")

	if len(summary.DegradedStages) > 0 {
		names := make([]string, 0, len(summary.DegradedStages))
		for _, s := range summary.DegradedStages {
			names = append(names, string(s))
		}
		md.PlainText("> Degraded stages ran on fallback data: " + strings.Join(names, ", "))
		md.PlainText("")
	}

	a.writeEndpoints(md, set)
	a.writeVulnerabilities(md, set)
	a.writeTLS(md, set)
	a.writeLeaks(md, set)
	a.writeTyposquats(md, set)

	return md.Build()
}

func (a *Assembler) writeEndpoints(md *markdown.Markdown, set *types.CanonicalArtifactSet) {
	md.H2("Attack Surface")
	md.PlainText("")
	if len(set.Endpoints) == 0 {
		md.PlainText("No live endpoints identified.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(set.Endpoints))
	for _, ep := range set.Endpoints {
		status := strconv.Itoa(ep.StatusCode)
		if ep.StatusCode == 0 {
			status = "unverified"
		}
		tech := strings.Join(ep.Technologies, ", ")
		if tech == "" {
			tech = "-"
		}
		rows = append(rows, []string{ep.URL, status, tech})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Endpoint", "Status", "Technologies"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (a *Assembler) writeVulnerabilities(md *markdown.Markdown, set *types.CanonicalArtifactSet) {
	md.H2("Vulnerabilities")
	md.PlainText("")
	if len(set.Vulnerabilities) == 0 {
		md.PlainText("No vulnerabilities detected at the scanned severities.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(set.Vulnerabilities))
	for _, v := range set.Vulnerabilities {
		rows = append(rows, []string{v.Host, v.TemplateID, string(v.Severity), v.Name})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Host", "Template", "Severity", "Name"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (a *Assembler) writeTLS(md *markdown.Markdown, set *types.CanonicalArtifactSet) {
	md.H2("TLS Analysis")
	md.PlainText("")

	if len(set.TLS.Protocols) > 0 {
		md.PlainText("Protocols offered: " + strings.Join(set.TLS.Protocols, ", "))
		md.PlainText("")
	}
	if cert := set.TLS.Certificate; cert != nil {
		md.Table(markdown.TableSet{
			Header: []string{"Certificate", "Value"},
			Rows: [][]string{
				{"Subject", cert.Subject},
				{"Issuer", cert.Issuer},
				{"Valid Until", cert.NotAfter.Format("2006-01-02")},
			},
		})
		md.PlainText("")
	}
	if len(set.TLS.Findings) == 0 {
		md.PlainText("No TLS findings.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(set.TLS.Findings))
	for _, f := range set.TLS.Findings {
		rows = append(rows, []string{f.ID, string(f.Severity), f.Detail})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Finding", "Severity", "Detail"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (a *Assembler) writeLeaks(md *markdown.Markdown, set *types.CanonicalArtifactSet) {
	md.H2("Credential Exposure")
	md.PlainText("")
	if len(set.Leaks) == 0 {
		md.PlainText("No addresses checked.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(set.Leaks))
	for _, l := range set.Leaks {
		status := "clean"
		switch {
		case !l.Verified:
			status = "unverified"
		case l.Compromised:
			status = fmt.Sprintf("compromised (%d breaches)", l.Breaches)
		}
		rows = append(rows, []string{l.Address, status})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Address", "Status"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (a *Assembler) writeTyposquats(md *markdown.Markdown, set *types.CanonicalArtifactSet) {
	md.H2("Typosquatting")
	md.PlainText("")
	if len(set.Typosquats) == 0 {
		md.PlainText("No lookalike registrations found.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(set.Typosquats))
	for _, c := range set.Typosquats {
		addrs := strings.Join(c.Addresses, ", ")
		if addrs == "" {
			addrs = "-"
		}
		registrar := c.Registrar
		if registrar == "" {
			registrar = "-"
		}
		rows = append(rows, []string{c.Domain, c.Fuzzer, addrs, registrar})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Domain", "Fuzzer", "Addresses", "Registrar"},
		Rows:   rows,
	})
	md.PlainText("")
}
