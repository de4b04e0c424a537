package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

const (
	DefaultCallbackTimeout = 5 * time.Second
	DefaultCallbackRate    = 1.0
)

// CallbackNotice is posted to a monitor's error callback URL.
type CallbackNotice struct {
	MonitorID   string                 `json:"monitor_id"`
	ExecutionID string                 `json:"execution_id"`
	Script      string                 `json:"script"`
	Tick        time.Time              `json:"tick"`
	Error       string                 `json:"error,omitempty"`
	Errors      int64                  `json:"errors"`
	Records     []sitemon.ResultRecord `json:"records,omitempty"`
}

// Callback posts failure notices. Delivery is best effort and rate limited
// across all monitors.
type Callback struct {
	client  script.HTTPDoer
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger
}

func NewCallback(client script.HTTPDoer, timeout time.Duration, perSecond float64, log logx.Logger) *Callback {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if perSecond <= 0 {
		perSecond = DefaultCallbackRate
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Callback{
		client:  client,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     log.With(logx.String("comp", "callback")),
	}
}

// Notify posts a notice when the run failed or any record carries errors and
// the job has an http(s) callback URL. It reports whether a notice was sent.
func (c *Callback) Notify(ctx context.Context, executionID string, job sitemon.Job, records []sitemon.ResultRecord, runErr error) bool {
	target := strings.TrimSpace(job.ErrorCallback)
	if target == "" {
		return false
	}
	var errCount int64
	for _, r := range records {
		errCount += r.ErrorCount
	}
	if runErr == nil && errCount == 0 {
		return false
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.log.Debug("callback skipped: not an http url", logx.String("monitor", job.MonitorID))
		return false
	}
	if !c.limiter.Allow() {
		c.log.Debug("callback skipped: rate limited", logx.String("monitor", job.MonitorID))
		return false
	}

	notice := CallbackNotice{
		MonitorID:   job.MonitorID,
		ExecutionID: executionID,
		Script:      job.ScriptName,
		Tick:        job.Tick,
		Errors:      errCount,
		Records:     records,
	}
	if runErr != nil {
		notice.Error = runErr.Error()
	}
	if err := c.post(ctx, u.String(), notice); err != nil {
		c.log.Warn("callback failed", logx.String("monitor", job.MonitorID), logx.Err(err))
		return false
	}
	return true
}

func (c *Callback) post(ctx context.Context, target string, notice CallbackNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
