package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"evorelay/internal/domain"
)

// Evolution delivers replies through the Evolution API's sendText endpoint,
// using the credentials snapshotted from each inbound webhook envelope.
type Evolution struct {
	client      *http.Client
	limiter     *rate.Limiter
	delayMS     int
	linkPreview bool
	logger      *slog.Logger
}

type Config struct {
	Timeout       time.Duration
	DelayMS       int  // typing-simulation delay forwarded to the platform
	LinkPreview   bool // render URL previews in outgoing messages
	RatePerMinute int  // outbound send budget across all instances; 0 disables limiting
	Logger        *slog.Logger
}

func NewEvolution(cfg Config) *Evolution {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		burst = cfg.RatePerMinute
	}
	return &Evolution{
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, burst),
		delayMS:     cfg.DelayMS,
		linkPreview: cfg.LinkPreview,
		logger:      cfg.Logger,
	}
}

// sendTextRequest matches the Evolution API message/sendText body.
type sendTextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay"`
	LinkPreview bool   `json:"linkPreview"`
}

// Send posts the reply text to the sender's instance. The number is the
// bare JID user part, as the Evolution API expects.
func (e *Evolution) Send(ctx context.Context, jid, text string, creds domain.ChannelCreds) error {
	if creds.ServerURL == "" || creds.Instance == "" {
		return fmt.Errorf("dispatch: missing server URL or instance for %s", jid)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch: rate wait: %w", err)
	}

	body, err := json.Marshal(sendTextRequest{
		Number:      number(jid),
		Text:        text,
		Delay:       e.delayMS,
		LinkPreview: e.linkPreview,
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshal: %w", err)
	}

	url := strings.TrimRight(creds.ServerURL, "/") + "/message/sendText/" + creds.Instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", creds.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: send to %s: %w", creds.Instance, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dispatch: evolution returned %d: %s", resp.StatusCode, string(respBody))
	}

	e.logger.Info("reply dispatched",
		"instance", creds.Instance,
		"jid", jid,
		"text_len", len(text),
	)
	return nil
}

// number strips the server suffix from a WhatsApp JID
// ("5511999999999@s.whatsapp.net" -> "5511999999999").
func number(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}
