// Package notify delivers operator notifications over a webhook with
// rate limiting and per-signature aggregation, so a batch of 400
// identical entity failures produces one message with a count instead
// of 400 pages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// Notification is the webhook payload.
type Notification struct {
	Signature string         `json:"signature"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	// Count and the seen range are filled for aggregated deliveries.
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type aggregate struct {
	notification Notification
}

// Notifier rate-limits webhook deliveries. Occurrences that arrive
// faster than the limit are folded into their signature's aggregate and
// delivered on the next Flush.
type Notifier struct {
	cfg     config.NotifyConfig
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]*aggregate

	nowFunc func() time.Time
}

// New creates a Notifier from config. A zero rate falls back to one
// delivery per minute.
func New(cfg config.NotifyConfig) *Notifier {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		pending: make(map[string]*aggregate),
		nowFunc: time.Now,
	}
}

// Report records one occurrence. When the rate limiter has budget and
// nothing for the signature is already queued, it delivers immediately;
// otherwise the occurrence joins the signature's aggregate.
func (n *Notifier) Report(ctx context.Context, signature, severity, message string, details map[string]any) {
	now := n.nowFunc().UTC()

	n.mu.Lock()
	agg, queued := n.pending[signature]
	if queued {
		agg.notification.Count++
		agg.notification.LastSeen = now
		n.mu.Unlock()
		return
	}
	if !n.limiter.Allow() {
		n.pending[signature] = &aggregate{notification: Notification{
			Signature: signature,
			Severity:  severity,
			Message:   message,
			Details:   details,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.deliver(ctx, Notification{
		Signature: signature,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	})
}

// Flush delivers every queued aggregate and clears the queue. Returns
// the number of notifications sent.
func (n *Notifier) Flush(ctx context.Context) int {
	n.mu.Lock()
	queued := n.pending
	n.pending = make(map[string]*aggregate)
	n.mu.Unlock()

	if len(queued) == 0 {
		return 0
	}

	// Deterministic delivery order.
	sigs := make([]string, 0, len(queued))
	for sig := range queued {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	sent := 0
	for _, sig := range sigs {
		if n.deliver(ctx, queued[sig].notification) {
			sent++
		}
	}
	return sent
}

// Run flushes aggregates on the configured interval until ctx ends,
// then performs one final flush.
func (n *Notifier) Run(ctx context.Context) {
	interval := n.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.Flush(context.Background())
			return
		case <-ticker.C:
			n.Flush(ctx)
		}
	}
}

// Pending returns the number of queued aggregates.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// PhaseEscalation reports a phase that the self-heal pass gave up on.
func (n *Notifier) PhaseEscalation(ctx context.Context, phase model.PhaseID, date model.Date, reason string) {
	n.Report(ctx,
		fmt.Sprintf("selfheal:%s", phase),
		"high",
		fmt.Sprintf("Phase %s produced no output for %s: %s", phase, date, reason),
		map[string]any{
			"phase": string(phase),
			"date":  date.String(),
		},
	)
}

// deliver posts one notification. Failures are logged, never returned:
// notification trouble must not fail the pipeline.
func (n *Notifier) deliver(ctx context.Context, note Notification) bool {
	if n.cfg.WebhookURL == "" {
		return false
	}
	if err := n.sendWebhook(ctx, note); err != nil {
		zap.L().Error("notify: delivery failed",
			zap.String("signature", note.Signature),
			zap.Error(err),
		)
		return false
	}
	zap.L().Info("notify: delivered",
		zap.String("signature", note.Signature),
		zap.String("severity", note.Severity),
		zap.Int("count", note.Count),
	)
	return true
}

func (n *Notifier) sendWebhook(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
