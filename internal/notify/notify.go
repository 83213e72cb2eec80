// Package notify delivers the finished report reference to the scan
// requester through a MailerSend-style transactional email API. Delivery
// is best effort: failures are retried with exponential backoff and then
// surfaced as a NotifyError, which the pipeline logs without changing the
// job outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type mailer struct {
	cfg    config.NotifyConfig
	log    *logger.Logger
	client *http.Client
}

func NewMailer(cfg config.NotifyConfig, log *logger.Logger) core.Notifier {
	return &mailer{
		cfg:    cfg,
		log:    log.WithComponent("notify"),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type emailPayload struct {
	From    emailAddress   `json:"from"`
	To      []emailAddress `json:"to"`
	Subject string         `json:"subject"`
	Text    string         `json:"text"`
}

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Notify emails the report reference to the recipient. Without an API key
// it logs and reports success: local deployments read reports from disk.
func (m *mailer) Notify(ctx context.Context, recipient, domain, reportPath string) error {
	if m.cfg.APIKey == "" {
		m.log.Infow("No notification API key configured, skipping delivery",
			"recipient", recipient,
			"report", reportPath,
		)
		return nil
	}

	payload := emailPayload{
		From:    emailAddress{Email: m.cfg.FromAddress, Name: m.cfg.FromName},
		To:      []emailAddress{{Email: recipient}},
		Subject: fmt.Sprintf("Security scan completed: %s", domain),
		Text: fmt.Sprintf(
			"The external security scan for %s has finished.\n\nReport: %s\n",
			domain, reportPath),
	}
	if err := m.deliver(ctx, recipient, payload); err != nil {
		return err
	}

	m.log.Infow("Report notification delivered",
		"recipient", recipient,
		"domain", domain,
	)
	return nil
}

// NotifyFailure emails an explicit failure notice so the requester never
// waits on a report that will not arrive. Like Notify, it is a logged
// no-op without an API key.
func (m *mailer) NotifyFailure(ctx context.Context, recipient, domain, reason string) error {
	if m.cfg.APIKey == "" {
		m.log.Infow("No notification API key configured, skipping failure notice",
			"recipient", recipient,
			"reason", reason,
		)
		return nil
	}

	payload := emailPayload{
		From:    emailAddress{Email: m.cfg.FromAddress, Name: m.cfg.FromName},
		To:      []emailAddress{{Email: recipient}},
		Subject: fmt.Sprintf("Security scan failed: %s", domain),
		Text: fmt.Sprintf(
			"The external security scan for %s failed and no report is available.\n\nReason: %s\n",
			domain, reason),
	}
	if err := m.deliver(ctx, recipient, payload); err != nil {
		return err
	}

	m.log.Infow("Failure notice delivered",
		"recipient", recipient,
		"domain", domain,
	)
	return nil
}

func (m *mailer) deliver(ctx context.Context, recipient string, payload emailPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &types.NotifyError{Recipient: recipient, Err: err}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(func() error { return m.send(ctx, body) }, policy); err != nil {
		return &types.NotifyError{Recipient: recipient, Err: err}
	}
	return nil
}

func (m *mailer) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.APIBaseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnauthorized:
		// Bad payload or bad credentials will not improve with retries.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("delivery rejected with status %d: %s", resp.StatusCode, detail))
	default:
		return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
	}
}
