package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/httpc"
	"github.com/Ram-1405/piperun/internal/store"
	"golang.org/x/oauth2/clientcredentials"
)

// Config describes a completion webhook. When OAuth2 client credentials are
// configured the notifier fetches a bearer token per delivery; otherwise the
// request goes out unauthenticated.
type Config struct {
	URL          string   `mapstructure:"url" yaml:"url"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
	Timeout      string   `mapstructure:"timeout" yaml:"timeout"`
}

// Enabled reports whether a webhook URL is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// payload is the JSON body posted to the webhook.
type payload struct {
	RunID      string  `json:"run_id"`
	Pipeline   string  `json:"pipeline"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
	FinishedAt string  `json:"finished_at,omitempty"`
}

type Notifier struct {
	cfg    Config
	logger *common.Logger
}

func New(cfg Config) *Notifier {
	return &Notifier{cfg: cfg, logger: common.GetLogger().WithComponent("notify")}
}

// RunFinished posts the terminal state of a run to the configured webhook.
// Delivery failures are logged but never fail the run itself.
func (n *Notifier) RunFinished(ctx context.Context, run *store.Run) {
	if !n.cfg.Enabled() {
		return
	}

	body := payload{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		Status:   run.Status,
		Error:    run.Error,
	}
	if run.FinishedAt != nil {
		body.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}

	hcfg := &httpc.Httpc{}
	client := hcfg.New()
	if timeout := strings.TrimSpace(n.cfg.Timeout); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			client.SetTimeout(d)
		}
	}

	req := client.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
	if token, err := n.token(ctx); err != nil {
		n.logger.Warn("webhook token acquisition failed, skipping notification", "error", err)
		return
	} else if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	resp, err := req.Post(n.cfg.URL)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "run_id", run.ID, "url", n.cfg.URL, "error", err)
		return
	}
	if resp.IsError() {
		n.logger.Warn("webhook rejected notification",
			"run_id", run.ID, "url", n.cfg.URL, "status", resp.StatusCode())
		return
	}
	n.logger.Debug("webhook notified", "run_id", run.ID, "status", run.Status)
}

// token obtains a bearer token via the client credentials grant when
// configured. An empty token with nil error means no auth is configured.
func (n *Notifier) token(ctx context.Context) (string, error) {
	clientID := strings.TrimSpace(n.cfg.ClientID)
	clientSecret := strings.TrimSpace(n.cfg.ClientSecret)
	tokenURL := strings.TrimSpace(n.cfg.TokenURL)
	if clientID == "" && clientSecret == "" {
		return "", nil
	}
	if tokenURL == "" {
		return "", fmt.Errorf("notify: token_url is required with client credentials")
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       n.cfg.Scopes,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
