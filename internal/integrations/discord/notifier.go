package discord

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"deploywatch/internal/deployment"
	"deploywatch/internal/models"
	"deploywatch/internal/utils"
)

const (
	colorSuccess = 0x16A34A
	colorFailed  = 0xDC2626
	footer       = "deploywatch"
)

// Settings control which outcomes are posted and how they read. Messages
// accept the {{id}}, {{status}}, {{attempt}}, {{duration}}, {{stage}} and
// {{timestamp}} tokens.
type Settings struct {
	Webhook        string
	OnSuccess      bool
	OnFailure      bool
	SuccessMessage string
	FailedMessage  string
	SuccessColor   string
	FailedColor    string
}

// Notifier posts build outcomes to a Discord webhook. Posts are best-effort
// and never block the deployment that raised them.
type Notifier struct {
	settings Settings
	client   *http.Client
	logger   *utils.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewNotifier(settings Settings, logger *utils.Logger) *Notifier {
	return &Notifier{
		settings: settings,
		client:   &http.Client{Timeout: postTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether a webhook is configured and any outcome is posted.
func (n *Notifier) Enabled() bool {
	return n != nil && strings.TrimSpace(n.settings.Webhook) != "" && (n.settings.OnSuccess || n.settings.OnFailure)
}

// Signals chains the notifier onto the build callbacks of opts, keeping any
// callbacks already set. The post is queued before the chained callback runs.
// opts is returned unchanged when the notifier is off.
func (n *Notifier) Signals(opts deployment.Options) deployment.Options {
	if !n.Enabled() {
		return opts
	}
	onSuccess, onFailed := opts.OnBuildSuccess, opts.OnBuildFailed
	opts.OnBuildSuccess = func(id string, attempt *models.DeploymentAttempt) {
		if n.settings.OnSuccess {
			n.send(id, attempt, models.StatusSuccess)
		}
		if onSuccess != nil {
			onSuccess(id, attempt)
		}
	}
	opts.OnBuildFailed = func(id string, attempt *models.DeploymentAttempt) {
		if n.settings.OnFailure {
			n.send(id, attempt, models.StatusFailed)
		}
		if onFailed != nil {
			onFailed(id, attempt)
		}
	}
	return opts
}

// Wait blocks until in-flight posts finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) send(id string, attempt *models.DeploymentAttempt, status models.OverallStatus) {
	embed := n.Embed(id, attempt, status)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		code, err := Post(ctx, n.client, strings.TrimSpace(n.settings.Webhook), WebhookPayload{Embeds: []Embed{embed}})
		if err != nil {
			n.logf("Discord notify failed for %s (status=%d): %v", id, code, err)
		}
	}()
}

// Embed renders the message posted for an outcome.
func (n *Notifier) Embed(id string, attempt *models.DeploymentAttempt, status models.OverallStatus) Embed {
	at := n.now()
	tokens := map[string]string{
		"id":        id,
		"status":    string(status),
		"attempt":   "",
		"duration":  "",
		"stage":     "",
		"timestamp": at.UTC().Format(time.RFC3339),
	}
	if attempt != nil {
		tokens["attempt"] = strconv.Itoa(attempt.Number)
		if !attempt.StartedAt.IsZero() && !attempt.FinishedAt.IsZero() {
			tokens["duration"] = attempt.FinishedAt.Sub(attempt.StartedAt).Truncate(time.Second).String()
		}
		tokens["stage"] = failedStage(attempt)
	}

	var tmpl, colorHex string
	var fallback int
	var msg string
	if status == models.StatusFailed {
		tmpl, colorHex, fallback = n.settings.FailedMessage, n.settings.FailedColor, colorFailed
		msg = fmt.Sprintf("Build failed for %s", id)
		if tokens["stage"] != "" {
			msg += " during " + tokens["stage"]
		}
	} else {
		tmpl, colorHex, fallback = n.settings.SuccessMessage, n.settings.SuccessColor, colorSuccess
		msg = fmt.Sprintf("Build succeeded for %s", id)
		if tokens["duration"] != "" {
			msg += " in " + tokens["duration"]
		}
	}
	if rendered := renderTemplate(tmpl, tokens); strings.TrimSpace(rendered) != "" {
		msg = rendered
	}

	title := fmt.Sprintf("Deployment: %s", id)
	embed := NewEmbed(title, msg, parseHexColor(colorHex, fallback), footer, at)
	if attempt != nil {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Attempt", Value: tokens["attempt"], Inline: true})
		if tokens["duration"] != "" {
			embed.Fields = append(embed.Fields, EmbedField{Name: "Duration", Value: tokens["duration"], Inline: true})
		}
	}
	return embed
}

func failedStage(attempt *models.DeploymentAttempt) string {
	for _, st := range attempt.Stages {
		if st.Status == models.StageFailed {
			return st.DisplayName
		}
	}
	return ""
}

// renderTemplate replaces {{token}} occurrences using the provided map.
func renderTemplate(tmpl string, tokens map[string]string) string {
	out := tmpl
	for k, v := range tokens {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// parseHexColor converts a #RRGGBB string to an int, or returns fallback.
func parseHexColor(hex string, fallback int) int {
	h := strings.TrimSpace(hex)
	if len(h) == 7 && strings.HasPrefix(h, "#") {
		if v, err := strconv.ParseInt(h[1:], 16, 32); err == nil {
			return int(v)
		}
	}
	return fallback
}

func (n *Notifier) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if n.logger != nil {
		n.logger.Write(msg)
		return
	}
	log.Println(msg)
}
