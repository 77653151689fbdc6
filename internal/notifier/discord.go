package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

const (
	colorInfo    = 0x3498db
	colorSuccess = 0x2ecc71
	colorWarning = 0xf1c40f
	colorError   = 0xe74c3c
	colorPrune   = 0x9b59b6
	colorRestore = 0x1abc9c
)

type DiscordNotifier struct {
	webhookURL string
	retry      *config.DiscordRetry
	mention    string
	events     map[string]struct{}
	host       string
	client     *http.Client
	now        func() time.Time
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

func NewDiscordNotifier(cfg *config.DiscordConfig) (*DiscordNotifier, error) {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return nil, fault.Newf(fault.KindConfiguration, "notifier", "discord notifier disabled or missing webhook_url")
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	events := make(map[string]struct{})
	for _, e := range cfg.Events {
		events[e] = struct{}{}
	}
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		retry:      cfg.Retry,
		mention:    cfg.MentionOnError,
		events:     events,
		host:       host,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

func (d *DiscordNotifier) allowed(event string) bool {
	if len(d.events) == 0 {
		return true
	}
	_, ok := d.events[event]
	return ok
}

func (d *DiscordNotifier) embed(title string, color int, fields ...discordField) discordEmbed {
	return discordEmbed{
		Title:     title,
		Color:     color,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Fields:    append([]discordField{{Name: "Host", Value: d.host, Inline: true}}, fields...),
	}
}

func field(name, value string) discordField {
	if value == "" {
		value = "-"
	}
	return discordField{Name: name, Value: value, Inline: true}
}

func (d *DiscordNotifier) send(ctx context.Context, embed discordEmbed, mention string) error {
	body, err := json.Marshal(discordPayload{Content: mention, Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}
	attempts := 1
	delay := time.Duration(0)
	if d.retry != nil && d.retry.Attempts > 1 {
		attempts = d.retry.Attempts
		delay = time.Duration(d.retry.BackoffMs) * time.Millisecond
	}
	var last error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status %s", resp.Status)
		}
		last = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("discord webhook failed after %d attempts: %w", attempts, last)
}

func (d *DiscordNotifier) NotifyStart(ctx context.Context, target, jobID string) error {
	if !d.allowed(EventStart) {
		return nil
	}
	return d.send(ctx, d.embed("Backup started", colorInfo, field("Target", target), field("Job", jobID)), "")
}

func (d *DiscordNotifier) NotifySuccess(ctx context.Context, target, backupID string, duration time.Duration, size int64) error {
	if !d.allowed(EventSuccess) {
		return nil
	}
	return d.send(ctx, d.embed("Backup completed", colorSuccess,
		field("Target", target),
		field("Backup ID", backupID),
		field("Duration", duration.Round(time.Millisecond).String()),
		field("Size", strconv.FormatInt(size, 10)+" bytes"),
	), "")
}

func (d *DiscordNotifier) NotifyWarning(ctx context.Context, target, jobID, message string) error {
	if !d.allowed(EventWarning) {
		return nil
	}
	e := d.embed("Backup warning", colorWarning, field("Target", target), field("Job", jobID))
	e.Description = message
	return d.send(ctx, e, "")
}

func (d *DiscordNotifier) NotifyError(ctx context.Context, target, jobID string, err error) error {
	if !d.allowed(EventError) {
		return nil
	}
	e := d.embed("Backup failed", colorError,
		field("Target", target),
		field("Job", jobID),
		field("Kind", string(fault.KindOf(err))),
	)
	if n := fault.AttemptsOf(err); n > 0 {
		e.Fields = append(e.Fields, field("Attempts", strconv.Itoa(n)))
	}
	e.Description = err.Error()
	return d.send(ctx, e, d.mention)
}

func (d *DiscordNotifier) NotifyPrune(ctx context.Context, target string, kept, deleted int) error {
	if !d.allowed(EventPrune) {
		return nil
	}
	return d.send(ctx, d.embed("Prune completed", colorPrune,
		field("Target", target),
		field("Kept", strconv.Itoa(kept)),
		field("Deleted", strconv.Itoa(deleted)),
	), "")
}

func (d *DiscordNotifier) NotifyRestore(ctx context.Context, target, backupID, database string) error {
	if !d.allowed(EventRestore) {
		return nil
	}
	return d.send(ctx, d.embed("Restore completed", colorRestore,
		field("Target", target),
		field("Backup ID", backupID),
		field("Database", database),
	), "")
}
