// Package notify forwards command lifecycle events to external sinks.
// Supports webhooks and append-only log files.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"github.com/aide-sh/aide/internal/events"
)

// Config holds notification configuration.
type Config struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"` // event types to forward

	Webhook WebhookConfig `toml:"webhook"`
	Log     LogConfig     `toml:"log"`
}

// WebhookConfig configures webhook notifications.
type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Template string            `toml:"template"` // Go template for the payload
	Method   string            `toml:"method"`   // HTTP method (default POST)
	Headers  map[string]string `toml:"headers"`
}

// LogConfig configures log file notifications.
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns a default notification configuration. Disabled by
// default: the daemon is usable without any sink.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Events: []string{
			events.CommandProposed,
			events.CommandExecuted,
			events.CommandFailed,
		},
		Webhook: WebhookConfig{
			Method:   "POST",
			Template: `{"event":"{{.Type}}","session":"{{jsonEscape .Session}}","command_id":"{{.CommandID}}","status":"{{.Status}}","command":"{{jsonEscape .Command}}"}`,
		},
		Log: LogConfig{
			Path: "~/.config/aide/notifications.log",
		},
	}
}

// Notifier fans events out to the enabled sinks.
type Notifier struct {
	config     Config
	enabledSet map[string]bool
	httpClient *http.Client

	mu sync.Mutex // serializes log appends
}

// New creates a Notifier. Environment variables in the webhook URL and
// header values are expanded so secrets can stay out of the config file.
func New(cfg Config) *Notifier {
	cfg.Webhook.URL = os.ExpandEnv(cfg.Webhook.URL)
	cfg.Log.Path = expandHome(os.ExpandEnv(cfg.Log.Path))
	for k, v := range cfg.Webhook.Headers {
		cfg.Webhook.Headers[k] = os.ExpandEnv(v)
	}

	n := &Notifier{
		config:     cfg,
		enabledSet: make(map[string]bool),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, e := range cfg.Events {
		n.enabledSet[e] = true
	}
	return n
}

// Attach subscribes the notifier to all bus events. Returns an unsubscribe
// function. A dead sink never blocks the lifecycle: failures are dropped
// after Notify reports them.
func (n *Notifier) Attach(bus *events.EventBus) func() {
	return bus.SubscribeAll(func(ev events.BusEvent) {
		ce, ok := ev.(events.CommandEvent)
		if !ok {
			return
		}
		_ = n.Notify(ce)
	})
}

// Notify forwards one event through every enabled sink.
func (n *Notifier) Notify(ev events.CommandEvent) error {
	if !n.config.Enabled || !n.enabledSet[ev.EventType()] {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var errs []error
	if n.config.Webhook.Enabled && n.config.Webhook.URL != "" {
		if err := n.sendWebhook(ev); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if n.config.Log.Enabled && n.config.Log.Path != "" {
		if err := n.sendLog(ev); err != nil {
			errs = append(errs, fmt.Errorf("log: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// jsonEscape escapes a string for safe embedding in JSON built by
// text/template.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}

func (n *Notifier) sendWebhook(ev events.CommandEvent) error {
	tmplStr := n.config.Webhook.Template
	if tmplStr == "" {
		tmplStr = `{"event":"{{.Type}}","session":"{{jsonEscape .Session}}","command_id":"{{.CommandID}}","status":"{{.Status}}"}`
	}

	tmpl, err := template.New("webhook").Funcs(template.FuncMap{"jsonEscape": jsonEscape}).Parse(tmplStr)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, ev); err != nil {
		return fmt.Errorf("template execution failed: %w", err)
	}

	method := n.config.Webhook.Method
	if method == "" {
		method = "POST"
	}
	req, err := http.NewRequest(method, n.config.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (n *Notifier) sendLog(ev events.CommandEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dir := filepath.Dir(n.config.Log.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(n.config.Log.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", line)
	return err
}

func expandHome(path string) string {
	if len(path) < 2 || path[0] != '~' || path[1] != '/' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}
