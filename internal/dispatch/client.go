package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chanpost/internal/channels"
	logx "chanpost/pkg/logx"
)

const maxBodyBytes = 64 << 10

// Options configures a Client. Zero values fall back to sane defaults.
type Options struct {
	Token      string
	UserAgent  string
	HTTPClient *http.Client
	Policy     Policy
	// RatePerSec paces requests client-side; <= 0 disables pacing.
	RatePerSec float64
	Sleep      Sleeper
	Log        logx.Logger
}

// Client posts channel messages. It is used from a single goroutine.
type Client struct {
	auth    string
	ua      string
	http    *http.Client
	policy  Policy
	limiter *rate.Limiter
	sleep   Sleeper
	log     logx.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent("dev")
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		auth:    AuthHeader(opts.Token),
		ua:      ua,
		http:    hc,
		policy:  opts.Policy.normalized(),
		limiter: lim,
		sleep:   sleep,
		log:     log,
	}
}

// DefaultUserAgent is the bot User-Agent format the API expects.
func DefaultUserAgent(version string) string {
	return "DiscordBot (https://github.com/chanpost/chanpost, " + version + ")"
}

// AuthHeader prefixes a bare bot token with "Bot ". Tokens that already carry
// a scheme are left alone.
func AuthHeader(token string) string {
	token = strings.TrimSpace(token)
	low := strings.ToLower(token)
	if strings.HasPrefix(low, "bot ") || strings.HasPrefix(low, "bearer ") {
		return token
	}
	return "Bot " + token
}

type payload struct {
	Content string `json:"content"`
}

// Dispatch posts rec.Message to rec.Endpoint.
//
// The returned error is non-nil only for ErrUnauthorized and context
// cancellation; every other problem is reported as a Failed outcome.
func (c *Client) Dispatch(ctx context.Context, rec channels.Record) (res Result, err error) {
	start := time.Now()
	log := c.log.With(logx.String("channel", rec.Name))
	res.Outcome = Failed
	defer func() { res.Took = time.Since(start) }()

	body, err := json.Marshal(payload{Content: rec.Message})
	if err != nil {
		return res, fmt.Errorf("encode payload: %w", err)
	}

	budget := c.policy.RetryMax
	for res.Attempts < budget {
		if err := c.limiter.Wait(ctx); err != nil {
			return res, err
		}
		status, respBody, err := c.post(ctx, rec.Endpoint, body)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Attempts++
			res.Status = 0
			log.Info("request error", logx.Err(err))
			return res, nil
		}
		res.Attempts++
		res.Status = status

		switch {
		case status >= 200 && status < 300:
			log.Info("message has been sent", logx.Int("status", status))
			res.Outcome = Sent
			return res, nil

		case status == http.StatusUnauthorized:
			log.Error("the token you have entered is wrong or expired, please check the token", logx.Int("status", status))
			return res, ErrUnauthorized

		case status == http.StatusForbidden:
			log.Error("403 Forbidden", logx.String("body", truncate(string(respBody), 500)))
			res.Outcome = Forbidden
			return res, nil

		case status == http.StatusTooManyRequests:
			rl, err := parseRateLimit(respBody)
			if err != nil {
				log.Info("returned 429 but failed to parse body", logx.Err(err))
				return res, nil
			}
			wait, capped := c.policy.Backoff(rl)
			fields := []logx.Field{
				logx.Float64("retry_after", rl.RetryAfter),
				logx.Int("code", rl.Code),
				logx.Duration("wait", wait),
				logx.Int("attempt", res.Attempts),
			}
			switch {
			case capped:
				log.Warn("wait is more than the cap, waiting for the cap anyway", fields...)
			case rl.Code == CodeSlowmode:
				log.Warn("slowmode is active", fields...)
			case rl.Code == CodeWriteLimit:
				log.Warn("hit the write rate limit", fields...)
			default:
				log.Error("exceeded rate limit", fields...)
			}
			if err := c.sleep(ctx, wait); err != nil {
				return res, err
			}

		default:
			log.Info("unexpected status", logx.Int("status", status))
			return res, nil
		}
	}

	log.Info("message couldn't send, retry limit reached", logx.Int("retry_max", budget))
	return res, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
