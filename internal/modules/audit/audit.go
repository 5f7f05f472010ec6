package audit

import (
	"context"
	"fmt"
	"time"

	"inviteward/internal/invites"
	"inviteward/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

const (
	EventAttributed    = "invite_attributed"
	EventUnknown       = "invite_unknown"
	EventAmbiguous     = "invite_ambiguous"
	EventFetchFailed   = "invite_fetch_failed"
	EventStorageFailed = "invite_storage_failed"
	EventBonusAdded    = "invite_bonus_added"
	EventInvitesRemove = "invite_removed"
)

type Logger struct {
	store  *storage.Store
	logger *zap.Logger
	notify func(context.Context, storage.AuditLog)
}

func NewLogger(store *storage.Store, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

func (l *Logger) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	l.notify = notify
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if l.store != nil {
		if err := l.store.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit log not stored", zap.String("guild_id", guildID), zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	l.logger.Info("audit", zap.String("level", level), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("event", event), zap.String("details", details))
}

// RecordAttribution writes the outcome of one member join.
func (l *Logger) RecordAttribution(ctx context.Context, e invites.MemberAttributed) {
	switch {
	case e.Known() && e.Persisted:
		detail := fmt.Sprintf("inviter=%s code=%s method=%s", e.InviterID, e.Code, e.Method)
		l.Log(ctx, LevelInfo, e.GuildID, e.MemberID, EventAttributed, detail)
	case e.Known():
		// Storage failures are recorded by RecordFailure.
	case e.Outcome == invites.OutcomeAmbiguous:
		l.Log(ctx, LevelWarn, e.GuildID, e.MemberID, EventAmbiguous, "several invites could explain this join")
	default:
		l.Log(ctx, LevelInfo, e.GuildID, e.MemberID, EventUnknown, "inviter unknown")
	}
}

func (l *Logger) RecordFailure(ctx context.Context, f invites.ReconciliationFailed) {
	if f.MemberID == "" {
		l.Log(ctx, LevelWarn, f.GuildID, "", EventFetchFailed, errString(f.Reason))
		return
	}
	l.Log(ctx, LevelCrit, f.GuildID, f.MemberID, EventStorageFailed, errString(f.Reason))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
