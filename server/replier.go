package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"mathnarrator/credential"
)

// ErrReplyUnavailable is returned when the reply service cannot answer.
var ErrReplyUnavailable = errors.New("reply service unavailable")

// Replier produces the chat answer for an authenticated user. It never takes
// part in authentication.
type Replier interface {
	Reply(ctx context.Context, query string, user credential.Claims) (string, error)
}

// NewReplier returns an UpstreamReplier when chat.upstream_url is set and the
// canned table otherwise.
func NewReplier(cfg ChatConfig, logger *slog.Logger) Replier {
	if cfg.UpstreamURL == "" {
		return NewCannedReplier()
	}
	return NewUpstreamReplier(cfg, logger)
}

const (
	additionReply = "This looks like an addition problem. (Stubbed response.)"
	emptyReply    = "Please type a question or a math expression."
	fallbackReply = "Sorry \u2014 I don't have a custom reply for that yet. (Hardcoded stub.)"
)

var cannedAnswers = map[string]string{
	"what is 2+2?":  "Riya had 2 pencils. Her friend gave her 2 more. Now Riya has 4 pencils in total.",
	"what is 3+5?":  "A shopkeeper sold 3 apples in the morning and 5 apples in the evening. He sold 8 apples in total that day.",
	"solve 2x+5=15": "Imagine you bought 2 identical notebooks and also paid ₹5 extra. The total bill was ₹15. Each notebook costs ₹5.",
	"example":       "Arjun has 3 chocolates. He buys 2 more. Now he has 5 chocolates in total.",
	"what is 12-7?": "A basket had 12 mangoes. Meera ate 7 of them. Now only 5 mangoes are left in the basket.",
	"what is 6*7?":  "A classroom has 6 rows of benches, and each row has 7 benches. Altogether, there are 42 benches.",
	"what is 20/4?": "A pizza is cut into 20 slices. If 4 friends share it equally, each friend gets 5 slices.",
	"square of 9":   "A garden is 9 meters long and 9 meters wide. Its area is 81 square meters.",
	"cube of 3":     "A box is 3 meters long, 3 meters wide, and 3 meters tall. Its volume is 27 cubic meters.",
	"solve x+4=10":  "Rohan had some balloons. After getting 4 more, he had 10 in total. That means he originally had 6 balloons.",
}

// CannedReplier answers from a fixed table of word problems.
type CannedReplier struct {
	answers map[string]string
}

// NewCannedReplier constructs the default table replier.
func NewCannedReplier() *CannedReplier {
	return &CannedReplier{answers: cannedAnswers}
}

// Reply looks the lower-cased query up in the table.
func (c *CannedReplier) Reply(_ context.Context, query string, _ credential.Claims) (string, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if answer, ok := c.answers[q]; ok {
		return answer, nil
	}
	switch {
	case strings.Contains(q, "solve") && strings.Contains(q, "+"):
		return additionReply, nil
	case q == "":
		return emptyReply, nil
	default:
		return fallbackReply, nil
	}
}

// UpstreamReplier forwards chat queries to an HTTP reply service.
type UpstreamReplier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type upstreamRequest struct {
	Query string            `json:"query"`
	User  credential.Claims `json:"user"`
}

type upstreamResponse struct {
	Reply string `json:"reply"`
}

// NewUpstreamReplier builds a replier with a bounded transport.
func NewUpstreamReplier(cfg ChatConfig, logger *slog.Logger) *UpstreamReplier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &UpstreamReplier{
		url:    cfg.UpstreamURL,
		client: &http.Client{Transport: transport, Timeout: timeout},
		logger: logger,
	}
}

// Reply posts the query and verified user to the upstream service.
func (u *UpstreamReplier) Reply(ctx context.Context, query string, user credential.Claims) (string, error) {
	body, err := json.Marshal(upstreamRequest{Query: query, User: user})
	if err != nil {
		return "", fmt.Errorf("marshal reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Error("reply upstream error", "error", err, "target", u.url)
		return "", fmt.Errorf("%w: %w", ErrReplyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		u.logger.Error("reply upstream status", "status", resp.StatusCode, "target", u.url)
		return "", fmt.Errorf("%w: upstream returned %s", ErrReplyUnavailable, resp.Status)
	}

	var out upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode upstream reply: %w", ErrReplyUnavailable, err)
	}
	return out.Reply, nil
}
