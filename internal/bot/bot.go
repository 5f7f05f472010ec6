package bot

import (
	"context"
	"sync"
	"time"

	"inviteward/internal/analytics"
	"inviteward/internal/config"
	"inviteward/internal/invites"
	"inviteward/internal/modules/audit"
	"inviteward/internal/storage"
	"inviteward/internal/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	audit     *audit.Logger
	analytics *analytics.Service
	session   *discordgo.Session
	invites   *invites.Coordinator
	joins     *utils.JoinCounter

	relay    conc.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// readyGuilds holds guilds from the last Ready whose GuildCreate has
	// not arrived yet; RefreshAll already lists them.
	readyMu     sync.Mutex
	readyGuilds map[string]struct{}

	modMu        sync.Mutex
	modChecked   bool
	modChannelID string
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, auditLogger *audit.Logger, analyticsEngine *analytics.Service, reg prometheus.Registerer) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildInvites

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		audit:     auditLogger,
		analytics: analyticsEngine,
		session:   session,
		joins:     utils.NewJoinCounter(time.Duration(cfg.Moderation.BurstWindowSecs) * time.Second),
		stop:      make(chan struct{}),
	}

	b.invites = invites.NewCoordinator(&discordLister{session: session}, store, invites.NewSnapshotStore(), logger, invites.Options{
		FetchTimeout:   cfg.Invites.FetchTimeout,
		RecentWindow:   cfg.Invites.RecentWindow,
		PrimeWait:      cfg.Invites.PrimeWait,
		RefreshWorkers: cfg.Invites.RefreshWorkers,
		Metrics:        invites.NewMetrics(reg),
	})
	b.invites.Subscribe(b.onMemberAttributed)
	b.invites.OnFailure(b.onReconciliationFailed)

	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if entry.Level == audit.LevelInfo {
				return
			}
			b.relay.Go(func() { b.notifyAudit(entry) })
		})
	}

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildDelete)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onInviteCreate)
	b.session.AddHandler(b.onInviteDelete)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startRetention()

	return nil
}

// Close disconnects from the gateway, then drains queued attribution work and
// pending announcements until ctx expires.
func (b *Bot) Close(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.session != nil {
		_ = b.session.Close()
	}
	if err := b.invites.Close(ctx); err != nil {
		b.logger.Warn("attribution queue not drained", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		b.relay.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("announcements not drained", zap.Error(ctx.Err()))
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))

	guildIDs := make([]string, 0, len(event.Guilds))
	for _, guild := range event.Guilds {
		if guild != nil {
			guildIDs = append(guildIDs, guild.ID)
		}
	}
	b.markReady(guildIDs)
	go b.invites.RefreshAll(context.Background(), guildIDs)
}

func (b *Bot) markReady(guildIDs []string) {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	b.readyGuilds = make(map[string]struct{}, len(guildIDs))
	for _, id := range guildIDs {
		b.readyGuilds[id] = struct{}{}
	}
}

// claimedByReady reports whether guildID was listed in the last Ready. The
// claim is consumed so a later GuildCreate for the same guild (a rejoin)
// refreshes again.
func (b *Bot) claimedByReady(guildID string) bool {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	if _, ok := b.readyGuilds[guildID]; !ok {
		return false
	}
	delete(b.readyGuilds, guildID)
	return true
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.Guild.ID == "" || event.Guild.Unavailable {
		return
	}
	guildID := event.Guild.ID
	if b.claimedByReady(guildID) || b.invites.Primed(guildID) {
		return
	}
	go func() {
		if err := b.invites.Refresh(context.Background(), guildID); err != nil {
			b.logger.Warn("invite snapshot refresh failed", zap.String("guild_id", guildID), zap.Error(err))
		}
	}()
}

func (b *Bot) onGuildDelete(session *discordgo.Session, event *discordgo.GuildDelete) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}
	// Outages report the guild as unavailable; the bot is still a member.
	if event.Guild.Unavailable {
		return
	}
	b.invites.HandleGuildLeave(event.Guild.ID)
	b.joins.Forget(event.Guild.ID)
	b.logger.Info("left guild", zap.String("guild_id", event.Guild.ID))
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.GuildID == "" || event.User == nil {
		return
	}
	if event.User.Bot && b.cfg.Invites.IgnoreBots {
		return
	}
	joinedAt := event.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	b.joins.Add(event.GuildID, joinedAt)
	if err := b.invites.HandleJoin(event.GuildID, event.User.ID, joinedAt); err != nil {
		b.logger.Warn("join not queued", zap.String("guild_id", event.GuildID), zap.String("user_id", event.User.ID), zap.Error(err))
	}
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.GuildID == "" || event.User == nil {
		return
	}
	if event.User.Bot && b.cfg.Invites.IgnoreBots {
		return
	}
	if err := b.invites.HandleLeave(event.GuildID, event.User.ID); err != nil {
		b.logger.Warn("leave not queued", zap.String("guild_id", event.GuildID), zap.String("user_id", event.User.ID), zap.Error(err))
	}
}

func (b *Bot) onInviteCreate(session *discordgo.Session, event *discordgo.InviteCreate) {
	if event.Invite == nil || event.GuildID == "" {
		return
	}
	inviterID := ""
	if event.Inviter != nil {
		inviterID = event.Inviter.ID
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	b.invites.HandleInviteCreate(event.GuildID, event.Code, inviterID, createdAt)
}

func (b *Bot) onInviteDelete(session *discordgo.Session, event *discordgo.InviteDelete) {
	if event.GuildID == "" || event.Code == "" {
		return
	}
	b.invites.HandleInviteDelete(event.GuildID, event.Code)
}

func (b *Bot) startRetention() {
	if b.cfg.RetentionDays <= 0 {
		return
	}
	b.relay.Go(func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			b.cleanupAuditLogs()
			select {
			case <-b.stop:
				return
			case <-ticker.C:
			}
		}
	})
}

func (b *Bot) cleanupAuditLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := b.store.CleanupAuditLogs(ctx, b.cfg.RetentionDays); err != nil {
		b.logger.Warn("audit retention cleanup failed", zap.Error(err))
	}
}
