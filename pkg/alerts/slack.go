package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// SlackNotifier sends alerts to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func severityColor(tr model.Transition) string {
	if tr.To == model.StateResolved {
		return "#36a64f" // green
	}
	switch tr.Severity {
	case model.SeverityMedium:
		return "#ff9900"
	case model.SeverityHigh:
		return "#ff0000"
	case model.SeverityCritical:
		return "#cc0000"
	}
	return "#439fe0"
}

func (s *SlackNotifier) Send(ctx context.Context, tr model.Transition) error {
	fields := []slackField{
		{Title: "Tenant", Value: tr.TenantID, Short: true},
		{Title: "KPI", Value: tr.KPIID, Short: true},
		{Title: "Rule", Value: tr.RuleID, Short: true},
		{Title: "State", Value: string(tr.To), Short: true},
		{Title: "Value", Value: formatValue(tr.Value), Short: true},
	}
	if tr.Resolution != "" {
		fields = append(fields, slackField{Title: "Resolution", Value: string(tr.Resolution), Short: true})
	}
	if tr.Message != "" {
		fields = append(fields, slackField{Title: "Details", Value: tr.Message})
	}

	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color:  severityColor(tr),
				Title:  title(tr),
				Fields: fields,
				Footer: "KPI alerts",
				Ts:     tr.At.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
