package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/runbook"
)

const DefaultSignatureHeader = "X-Signature-256"

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature accepts a bare hex digest or a "sha256=" prefixed one,
// compared case-insensitively.
func ValidateSignature(secret string, body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	if len(sig) >= 7 && strings.EqualFold(sig[:7], "sha256=") {
		sig = sig[7:]
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type WebhookConfig struct {
	SignatureHeader string
	RatePerSecond   float64
	Burst           int
	MaxBodyBytes    int64
}

type Webhook struct {
	runbooks RunbookSource
	starter  Starter
	cfg      WebhookConfig
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWebhook(runbooks RunbookSource, starter Starter, cfg WebhookConfig, log *zap.Logger, m *metrics.Metrics) *Webhook {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{
		runbooks: runbooks,
		starter:  starter,
		cfg:      cfg,
		log:      log.Named("webhook"),
		metrics:  m,
		limiters: map[string]*rate.Limiter{},
	}
}

// Handle authenticates one delivery and starts the runbook with the raw
// payload as trigger info.
func (w *Webhook) Handle(ctx context.Context, runbookID string, remote netip.Addr, signature string, body []byte) (runbook.Execution, error) {
	rb, err := w.runbooks.GetRunbook(ctx, runbookID)
	if err != nil {
		return runbook.Execution{}, err
	}
	if !triggerOf(rb, runbook.TriggerWebhook) || rb.Trigger.Webhook == nil {
		return runbook.Execution{}, fmt.Errorf("%w: %s is not webhook triggered", ErrNotTriggerable, runbookID)
	}
	if !rb.IsEnabled {
		return runbook.Execution{}, fmt.Errorf("%w: %s is disabled", ErrNotTriggerable, runbookID)
	}
	hook := rb.Trigger.Webhook
	if strings.TrimSpace(hook.Secret) == "" {
		return runbook.Execution{}, fmt.Errorf("%w: %s has no webhook secret", ErrNotTriggerable, runbookID)
	}
	if hook.AllowedIPRange != "" {
		ok, err := addrAllowed(hook.AllowedIPRange, remote)
		if err != nil {
			return runbook.Execution{}, fmt.Errorf("runbook %s: %w", runbookID, err)
		}
		if !ok {
			return runbook.Execution{}, ErrForbiddenSource
		}
	}
	// unsigned deliveries must not spend the runbook's rate budget
	if !ValidateSignature(hook.Secret, body, signature) {
		return runbook.Execution{}, ErrInvalidSignature
	}
	if !w.limiter(runbookID).Allow() {
		return runbook.Execution{}, ErrRateLimited
	}
	return w.starter.StartExecution(ctx, rb, string(body))
}

func (w *Webhook) limiter(runbookID string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[runbookID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.cfg.RatePerSecond), w.cfg.Burst)
		w.limiters[runbookID] = l
	}
	return l
}

// ValidateWebhook reports webhook trigger settings that would leave the
// adapter unauthenticated or unable to check the source address.
func ValidateWebhook(t *runbook.WebhookTrigger) error {
	if t == nil {
		return errors.New("webhook trigger requires webhook settings")
	}
	if strings.TrimSpace(t.Secret) == "" {
		return errors.New("webhook trigger requires a secret")
	}
	if _, err := parseAllowed(t.AllowedIPRange); err != nil {
		return err
	}
	return nil
}

// parseAllowed reads a comma separated list of CIDR prefixes or single
// addresses. Single addresses become full-length prefixes.
func parseAllowed(ranges string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(ranges, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed ip range %q: %w", part, err)
			}
			out = append(out, prefix)
			continue
		}
		ip, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed ip %q: %w", part, err)
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}

func addrAllowed(ranges string, addr netip.Addr) (bool, error) {
	prefixes, err := parseAllowed(ranges)
	if err != nil {
		return false, err
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// ServeHTTP handles POST /v1/webhooks/{runbookID}.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	runbookID := chi.URLParam(r, "runbookID")
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.cfg.MaxBodyBytes))
	if err != nil {
		w.reply(rw, http.StatusRequestEntityTooLarge, "rejected", map[string]string{"error": "payload too large"})
		return
	}
	exec, err := w.Handle(r.Context(), runbookID, remoteAddr(r), r.Header.Get(w.cfg.SignatureHeader), body)
	if err != nil {
		status, result := webhookStatus(err)
		if status >= 500 {
			w.log.Error("webhook trigger failed", zap.String("runbook_id", runbookID), zap.Error(err))
		} else {
			w.log.Info("webhook rejected", zap.String("runbook_id", runbookID), zap.Error(err))
		}
		w.reply(rw, status, result, map[string]string{"error": err.Error()})
		return
	}
	w.reply(rw, http.StatusAccepted, "accepted", exec)
}

func (w *Webhook) reply(rw http.ResponseWriter, status int, result string, body any) {
	w.metrics.WebhookRequest(result)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}

func webhookStatus(err error) (int, string) {
	var verr *runbook.ValidationError
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, ErrForbiddenSource):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrNotTriggerable), errors.Is(err, runbook.ErrRunbookNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "invalid"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func remoteAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
