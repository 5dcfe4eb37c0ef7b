package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Ram-1405/piperun/internal/constants"
	"github.com/Ram-1405/piperun/internal/env"
	"github.com/Ram-1405/piperun/internal/httpc"
	"github.com/Ram-1405/piperun/internal/pipeline"
)

// waitParams holds the parsed and normalized readiness gate parameters
type waitParams struct {
	url      string
	method   string
	expected int
	timeout  time.Duration
	interval time.Duration
}

// parseWaitConfig normalizes the gate configuration and renders the URL
// against the stage environment.
func parseWaitConfig(wc pipeline.WaitConfig, e *env.Env) waitParams {
	url := e.Render(strings.TrimSpace(wc.URL))

	method := strings.ToUpper(strings.TrimSpace(wc.Method))
	if method == "" {
		method = constants.DefaultWaitMethod
	}

	expected := wc.Status
	if expected == 0 {
		expected = constants.DefaultWaitStatus
	}

	timeout := constants.DefaultWaitTimeout
	if s := strings.TrimSpace(wc.Timeout); s != "" {
		if d, perr := time.ParseDuration(s); perr == nil {
			timeout = d
		}
	}

	interval := constants.DefaultWaitInterval
	if s := strings.TrimSpace(wc.Interval); s != "" {
		if d, perr := time.ParseDuration(s); perr == nil {
			interval = d
		}
	}

	return waitParams{url: url, method: method, expected: expected, timeout: timeout, interval: interval}
}

// probe performs a single readiness request and returns the observed status.
func probe(ctx context.Context, hcfg *httpc.Httpc, method, url string) (int, error) {
	client := hcfg.New()
	req := client.R().SetContext(ctx)

	switch method {
	case "HEAD":
		resp, err := req.Head(url)
		if resp != nil {
			return resp.StatusCode(), err
		}
		return 0, err
	default:
		resp, err := req.Get(url)
		if resp != nil {
			return resp.StatusCode(), err
		}
		return 0, err
	}
}

// doWait polls an HTTP endpoint until it returns the expected status or the
// gate's timeout elapses. An empty URL means no gate is configured.
//
// Behavior:
// - method defaults to GET; supports GET and HEAD (others fall back to GET)
// - expected status defaults to 200
// - timeout defaults to 60s; interval defaults to 2s
// - url is rendered with the stage environment before polling
func doWait(ctx context.Context, e *env.Env, wc pipeline.WaitConfig) error {
	if strings.TrimSpace(wc.URL) == "" {
		return nil
	}

	params := parseWaitConfig(wc, e)
	hcfg := &httpc.Httpc{}
	deadline := time.Now().Add(params.timeout)
	var lastStatus int

	for {
		status, perr := probe(ctx, hcfg, params.method, params.url)
		if perr == nil && status == params.expected {
			return nil
		}
		lastStatus = status

		if time.Now().After(deadline) {
			return fmt.Errorf("wait: timeout waiting for %s to return %d (last=%d)",
				params.url, params.expected, lastStatus)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(params.interval):
		}
	}
}
