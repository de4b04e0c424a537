package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPEngine checks every host of a job with one HTTP request per thread.
//
// HostParams is a comma separated list of URLs; test N reports host N (1-based).
// ScriptParams is a query string with optional keys:
//
//	method=GET      request method
//	expect=200      required status code (any 2xx/3xx when unset)
//	timeout=10s     per request timeout
type HTTPEngine struct {
	client HTTPDoer
}

func NewHTTPEngine(client HTTPDoer) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{client: client}
}

func (e *HTTPEngine) Name() string { return "http" }

func (e *HTTPEngine) Load(job sitemon.Job) (Script, error) {
	var hosts []string
	for _, h := range strings.Split(job.HostParams, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		u, err := url.Parse(h)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid host %q", h)
		}
		hosts = append(hosts, u.String())
	}
	if len(hosts) == 0 {
		return nil, errors.New("no hosts")
	}

	q, err := url.ParseQuery(job.ScriptParams)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	s := &httpScript{client: e.client, hosts: hosts, method: http.MethodGet}
	if m := strings.TrimSpace(q.Get("method")); m != "" {
		s.method = strings.ToUpper(m)
	}
	if v := strings.TrimSpace(q.Get("expect")); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("params: expect: %w", err)
		}
		s.expect = code
	}
	if v := strings.TrimSpace(q.Get("timeout")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("params: timeout: %w", err)
		}
		s.timeout = d
	}
	return s, nil
}

type httpScript struct {
	client  HTTPDoer
	hosts   []string
	method  string
	expect  int
	timeout time.Duration
}

func (s *httpScript) NewRunnable(threadNumber int) (Runnable, error) {
	if threadNumber < 0 || threadNumber >= len(s.hosts) {
		return nil, fmt.Errorf("thread %d has no host", threadNumber)
	}
	return func(ctx context.Context, tc ThreadContext) error {
		// Thread 0 fans out to the remaining hosts.
		if threadNumber == 0 {
			for i := 1; i < len(s.hosts); i++ {
				if _, err := tc.StartThread(); err != nil {
					return fmt.Errorf("start thread for %s: %w", s.hosts[i], err)
				}
			}
		}
		host := s.hosts[threadNumber]
		start := time.Now()
		err := s.check(ctx, host)
		tc.Record(threadNumber+1, time.Since(start), err)
		if err != nil {
			tc.Logger().Debug("check failed", logx.String("host", host), logx.Err(err))
		}
		return nil
	}, nil
}

func (s *httpScript) check(ctx context.Context, host string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, s.method, host, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if s.expect != 0 {
		if resp.StatusCode != s.expect {
			return fmt.Errorf("status %d, want %d", resp.StatusCode, s.expect)
		}
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (s *httpScript) Shutdown() error { return nil }
