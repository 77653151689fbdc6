package notifier

import (
	"context"
	"time"

	"dbkp/internal/config"
)

// Event names accepted in notifications.discord.events.
const (
	EventStart   = "start"
	EventSuccess = "success"
	EventWarning = "warning"
	EventError   = "error"
	EventPrune   = "prune"
	EventRestore = "restore"
)

type Notifier interface {
	NotifyStart(ctx context.Context, target, jobID string) error
	NotifySuccess(ctx context.Context, target, backupID string, duration time.Duration, size int64) error
	NotifyWarning(ctx context.Context, target, jobID, message string) error
	NotifyError(ctx context.Context, target, jobID string, err error) error
	NotifyPrune(ctx context.Context, target string, kept, deleted int) error
	NotifyRestore(ctx context.Context, target, backupID, database string) error
}

// New returns the notifier described by cfg, or Nop when none is enabled.
func New(cfg *config.NotificationsConfig) (Notifier, error) {
	if cfg == nil || cfg.Discord == nil || !cfg.Discord.Enabled {
		return Nop{}, nil
	}
	return NewDiscordNotifier(cfg.Discord)
}

type Nop struct{}

func (Nop) NotifyStart(context.Context, string, string) error                         { return nil }
func (Nop) NotifySuccess(context.Context, string, string, time.Duration, int64) error { return nil }
func (Nop) NotifyWarning(context.Context, string, string, string) error               { return nil }
func (Nop) NotifyError(context.Context, string, string, error) error                  { return nil }
func (Nop) NotifyPrune(context.Context, string, int, int) error                       { return nil }
func (Nop) NotifyRestore(context.Context, string, string, string) error               { return nil }
