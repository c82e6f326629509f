// Package config holds the tunables of deploywatch. Values are layered:
// compiled defaults, then an optional YAML (or JSON) file, then flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"deploywatch/internal/integrations/discord"
	"deploywatch/internal/stream"
	"deploywatch/internal/telemetry"
)

const (
	SourceRemote     = "remote"
	SourceLocal      = "local"
	SourceKubernetes = "kubernetes"
)

// Config is the full runtime configuration.
type Config struct {
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Token    string `yaml:"token"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	DialTimeout       time.Duration `yaml:"dial_timeout" validate:"gt=0"`

	LogCapacity        int    `yaml:"log_capacity" validate:"gte=0"`
	SeriesCapacity     int    `yaml:"series_capacity" validate:"min=2,max=1000"`
	FailureAttribution string `yaml:"failure_attribution" validate:"oneof=cursor keywords"`

	MetricsSource string        `yaml:"metrics_source" validate:"oneof=remote local"`
	MetricsSample time.Duration `yaml:"metrics_sample_interval" validate:"gt=0"`
	LogsSource    string        `yaml:"logs_source" validate:"oneof=remote kubernetes"`
	Kubeconfig    string        `yaml:"kubeconfig"`
	KubeContext   string        `yaml:"kube_context"`
	KubeTailLines int64         `yaml:"kube_tail_lines" validate:"gte=0"`

	Listen             string   `yaml:"listen" validate:"required"`
	LogFile            string   `yaml:"log_file"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" validate:"gte=0"`
	AllowedOrigins     []string `yaml:"allowed_origins"`

	Notify Notify `yaml:"notify"`

	// Deployments are watched as soon as serve starts.
	Deployments []Watch `yaml:"deployments" validate:"dive"`
}

// Notify configures Discord webhook posts for build outcomes.
type Notify struct {
	DiscordWebhook string `yaml:"discord_webhook" validate:"omitempty,url"`
	OnSuccess      bool   `yaml:"on_success"`
	OnFailure      bool   `yaml:"on_failure"`
	SuccessMessage string `yaml:"success_message"`
	FailedMessage  string `yaml:"failed_message"`
	SuccessColor   string `yaml:"success_color" validate:"omitempty,hexcolor"`
	FailedColor    string `yaml:"failed_color" validate:"omitempty,hexcolor"`
}

// Watch is one preconfigured deployment.
type Watch struct {
	ID     string   `yaml:"id" validate:"required"`
	Status string   `yaml:"status"`
	Topics []string `yaml:"topics" validate:"dive,oneof=logs metrics"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		ReconnectDelay:     stream.DefaultReconnectDelay,
		HeartbeatInterval:  stream.DefaultHeartbeatInterval,
		DialTimeout:        stream.DefaultDialTimeout,
		LogCapacity:        0,
		SeriesCapacity:     telemetry.DefaultSeriesCapacity,
		FailureAttribution: string(telemetry.AttributeCursor),
		MetricsSource:      SourceRemote,
		MetricsSample:      2 * time.Second,
		LogsSource:         SourceRemote,
		KubeTailLines:      500,
		Listen:             ":8085",
		RateLimitPerMinute: 120,
		Notify:             Notify{OnSuccess: true, OnFailure: true},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// YAML is a superset of JSON, so JSON files load as well.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) normalize() {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.FailureAttribution = strings.ToLower(strings.TrimSpace(c.FailureAttribution))
	c.MetricsSource = strings.ToLower(strings.TrimSpace(c.MetricsSource))
	c.LogsSource = strings.ToLower(strings.TrimSpace(c.LogsSource))
	c.Notify.DiscordWebhook = strings.TrimSpace(c.Notify.DiscordWebhook)
	if c.FailureAttribution == "" {
		c.FailureAttribution = string(telemetry.AttributeCursor)
	}
	for i := range c.Deployments {
		c.Deployments[i].ID = strings.TrimSpace(c.Deployments[i].ID)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the cross-field rules the tags cannot
// express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid config: endpoint: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("invalid config: endpoint scheme %q must be ws or wss", u.Scheme)
		}
	}
	if c.Endpoint == "" && (c.MetricsSource == SourceRemote || c.LogsSource == SourceRemote) {
		return fmt.Errorf("invalid config: endpoint is required for remote sources")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid config: listen: %w", err)
	}
	return nil
}

// StreamOptions maps the connection tunables. A zero heartbeat interval
// disables the heartbeat.
func (c Config) StreamOptions() stream.Options {
	hb := c.HeartbeatInterval
	if hb == 0 {
		hb = -1
	}
	return stream.Options{
		ReconnectDelay:    c.ReconnectDelay,
		HeartbeatInterval: hb,
		DialTimeout:       c.DialTimeout,
	}
}

// Attribution returns the parsed failure attribution mode.
func (c Config) Attribution() telemetry.Attribution {
	a, err := telemetry.ParseAttribution(c.FailureAttribution)
	if err != nil {
		return telemetry.AttributeCursor
	}
	return a
}

// NotifySettings maps the notify section onto the Discord notifier.
func (c Config) NotifySettings() discord.Settings {
	return discord.Settings{
		Webhook:        c.Notify.DiscordWebhook,
		OnSuccess:      c.Notify.OnSuccess,
		OnFailure:      c.Notify.OnFailure,
		SuccessMessage: c.Notify.SuccessMessage,
		FailedMessage:  c.Notify.FailedMessage,
		SuccessColor:   c.Notify.SuccessColor,
		FailedColor:    c.Notify.FailedColor,
	}
}

// Dialer builds the transport router for the configured sources.
func (c Config) Dialer() stream.Dialer {
	var remote stream.Dialer
	if c.Endpoint != "" {
		remote = &stream.WebsocketDialer{
			Endpoint:         c.Endpoint,
			Token:            c.Token,
			HandshakeTimeout: c.DialTimeout,
		}
	}
	r := stream.Router{Default: remote, ByTopic: map[stream.Topic]stream.Dialer{}}
	if c.MetricsSource == SourceLocal {
		r.ByTopic[stream.TopicMetrics] = &stream.LocalMetricsDialer{Interval: c.MetricsSample}
	}
	if c.LogsSource == SourceKubernetes {
		r.ByTopic[stream.TopicLogs] = &stream.KubeLogsDialer{
			Kubeconfig: c.Kubeconfig,
			Context:    c.KubeContext,
			TailLines:  c.KubeTailLines,
		}
	}
	return r
}

// WatchTopics converts t to stream topics, defaulting to logs and metrics.
func (w Watch) WatchTopics() ([]stream.Topic, error) {
	if len(w.Topics) == 0 {
		return []stream.Topic{stream.TopicLogs, stream.TopicMetrics}, nil
	}
	out := make([]stream.Topic, 0, len(w.Topics))
	for _, raw := range w.Topics {
		t, err := stream.ParseTopic(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
