package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-KPI-Event"
	HeaderTenant    = "X-KPI-Tenant"
	HeaderTimestamp = "X-KPI-Timestamp"
	HeaderSignature = "X-KPI-Signature"
)

const signatureVersion = "v1="

var (
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	ErrSignatureExpired  = errors.New("webhook signature outside tolerance")
)

// Signer signs webhook bodies. The MAC covers "<unix seconds>.<body>" so a
// captured delivery cannot be replayed with a fresh timestamp.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) Signer { return Signer{secret: []byte(secret)} }

func (s Signer) mac(ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the timestamp and signature header values for body.
func (s Signer) Sign(at time.Time, body []byte) (timestamp, signature string) {
	ts := at.Unix()
	return strconv.FormatInt(ts, 10), signatureVersion + hex.EncodeToString(s.mac(ts, body))
}

// Verify checks header values produced by Sign. A zero tolerance disables the
// timestamp window.
func (s Signer) Verify(timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", timestamp, ErrSignatureMismatch)
	}
	hexSig, ok := strings.CutPrefix(signature, signatureVersion)
	if !ok {
		return ErrSignatureMismatch
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || !hmac.Equal(got, s.mac(ts, body)) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}

// WebhookNotifier posts transitions as JSON to an HTTP endpoint. Deliveries are
// signed when a secret is configured.
type WebhookNotifier struct {
	url    string
	signer *Signer
	client *http.Client
	now    func() time.Time
}

func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	if secret != "" {
		s := NewSigner(secret)
		w.signer = &s
	}
	return w
}

func (w *WebhookNotifier) Name() string { return "webhook" }

type webhookEnvelope struct {
	Event      string           `json:"event"`
	SentAt     time.Time        `json:"sent_at"`
	Transition model.Transition `json:"transition"`
}

func (w *WebhookNotifier) Send(ctx context.Context, tr model.Transition) error {
	sentAt := w.now().UTC()
	event := "kpi_alert." + string(tr.Action)
	body, err := json.Marshal(webhookEnvelope{Event: event, SentAt: sentAt, Transition: tr})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	h := req.Header
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "kpi-engine/1.0")
	h.Set(HeaderEvent, event)
	h.Set(HeaderTenant, tr.TenantID)
	if w.signer != nil {
		ts, sig := w.signer.Sign(sentAt, body)
		h.Set(HeaderTimestamp, ts)
		h.Set(HeaderSignature, sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s: status %d: %s", event, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
