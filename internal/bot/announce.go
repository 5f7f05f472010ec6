package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inviteward/internal/invites"
	"inviteward/internal/modules/audit"
	"inviteward/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onMemberAttributed(ctx context.Context, e invites.MemberAttributed) {
	if b.audit != nil {
		b.audit.RecordAttribution(ctx, e)
	}
	b.relay.Go(func() { b.announce(e) })
}

func (b *Bot) onReconciliationFailed(ctx context.Context, f invites.ReconciliationFailed) {
	if b.audit != nil {
		b.audit.RecordFailure(ctx, f)
	}
}

func (b *Bot) announce(e invites.MemberAttributed) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	total := 0
	if e.Known() {
		value, err := b.store.GetEffectiveTotal(ctx, e.GuildID, e.InviterID)
		if err != nil {
			b.logger.Warn("inviter total unavailable", zap.String("guild_id", e.GuildID), zap.String("inviter_id", e.InviterID), zap.Error(err))
		}
		total = value
	}

	b.sendWelcome(ctx, e, total)
	b.sendModReport(e, total)
}

func (b *Bot) sendWelcome(ctx context.Context, e invites.MemberAttributed, total int) {
	cfg, err := b.store.GetGuildConfig(ctx, e.GuildID)
	if err != nil {
		b.logger.Warn("guild config unavailable", zap.String("guild_id", e.GuildID), zap.Error(err))
		return
	}
	if cfg.WelcomeChannelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSend(cfg.WelcomeChannelID, welcomeMessage(e, b.guildName(e.GuildID), total)); err != nil {
		b.logger.Warn("welcome message failed", zap.String("guild_id", e.GuildID), zap.String("channel_id", cfg.WelcomeChannelID), zap.Error(err))
	}
}

func (b *Bot) sendModReport(e invites.MemberAttributed, total int) {
	channelID := b.modLogChannel()
	if channelID == "" {
		return
	}
	report := modReport{
		Event:          e,
		GuildName:      b.guildName(e.GuildID),
		InviterTotal:   total,
		RecentJoins:    b.joins.Count(e.GuildID, time.Now()),
		BurstWindow:    time.Duration(b.cfg.Moderation.BurstWindowSecs) * time.Second,
		NewAccountDays: b.cfg.Moderation.NewAccountDays,
		Color:          b.cfg.Moderation.EmbedColorJoin,
		Now:            time.Now(),
	}
	if created, err := discordgo.SnowflakeTimestamp(e.MemberID); err == nil {
		report.AccountCreated = created
	}
	if _, err := b.session.ChannelMessageSendEmbed(channelID, report.embed()); err != nil {
		b.logger.Warn("moderation report failed", zap.String("guild_id", e.GuildID), zap.Error(err))
	}
}

func (b *Bot) notifyAudit(entry storage.AuditLog) {
	channelID := b.modLogChannel()
	if channelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSendEmbed(channelID, auditEmbed(entry, b.guildName(entry.GuildID))); err != nil {
		b.logger.Warn("audit relay failed", zap.String("guild_id", entry.GuildID), zap.Error(err))
	}
}

// modLogChannel returns the moderation log channel, or "" when none is
// configured or the channel lives outside the moderation server. The lookup
// is cached once it succeeds.
func (b *Bot) modLogChannel() string {
	b.modMu.Lock()
	defer b.modMu.Unlock()
	if b.modChecked {
		return b.modChannelID
	}
	channelID := b.cfg.Moderation.LogsChannelID
	if channelID == "" {
		b.modChecked = true
		return ""
	}

	channel, err := b.session.State.Channel(channelID)
	if err != nil {
		channel, err = b.session.Channel(channelID)
	}
	if err != nil {
		b.logger.Warn("moderation log channel lookup failed", zap.String("channel_id", channelID), zap.Error(err))
		return ""
	}

	b.modChecked = true
	if !modChannelAllowed(channel.GuildID, b.cfg.Moderation.GuildID) {
		b.logger.Warn("moderation log channel is outside the moderation server, reports disabled",
			zap.String("channel_id", channelID),
			zap.String("channel_guild_id", channel.GuildID),
			zap.String("moderation_guild_id", b.cfg.Moderation.GuildID))
		return ""
	}
	b.modChannelID = channelID
	return channelID
}

func modChannelAllowed(channelGuildID, moderationGuildID string) bool {
	return moderationGuildID == "" || channelGuildID == moderationGuildID
}

func (b *Bot) guildName(guildID string) string {
	if b.session != nil && b.session.State != nil {
		if guild, err := b.session.State.Guild(guildID); err == nil && guild.Name != "" {
			return guild.Name
		}
	}
	return guildID
}

func welcomeMessage(e invites.MemberAttributed, guildName string, total int) string {
	if !e.Known() {
		return fmt.Sprintf("Welcome <@%s> to **%s**! The inviter is unknown.", e.MemberID, guildName)
	}
	return fmt.Sprintf("Welcome <@%s> to **%s**! Invited by <@%s>, who now has %s.", e.MemberID, guildName, e.InviterID, pluralInvites(total))
}

func pluralInvites(n int) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d invite", n)
	}
	return fmt.Sprintf("%d invites", n)
}

type modReport struct {
	Event          invites.MemberAttributed
	GuildName      string
	InviterTotal   int
	AccountCreated time.Time
	RecentJoins    int
	BurstWindow    time.Duration
	NewAccountDays int
	Color          int
	Now            time.Time
}

func (r modReport) embed() *discordgo.MessageEmbed {
	inviter := "Unknown"
	code := "-"
	if r.Event.Known() {
		inviter = fmt.Sprintf("<@%s> (%s)", r.Event.InviterID, pluralInvites(r.InviterTotal))
		code = r.Event.Code
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + r.Event.MemberID + ">", Inline: true},
		{Name: "Inviter", Value: inviter, Inline: true},
		{Name: "Code", Value: code, Inline: true},
		{Name: "Attribution", Value: attributionLabel(r.Event), Inline: true},
	}
	if !r.AccountCreated.IsZero() {
		days := accountAgeDays(r.AccountCreated, r.Now)
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Account age", Value: fmt.Sprintf("%d days", days), Inline: true})
		if r.NewAccountDays > 0 && days < r.NewAccountDays {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name:  "Warning",
				Value: fmt.Sprintf("Account created less than %d days ago", r.NewAccountDays),
			})
		}
	}
	if r.BurstWindow > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Recent joins",
			Value:  fmt.Sprintf("%d in the last %s", r.RecentJoins, r.BurstWindow),
			Inline: true,
		})
	}
	if !r.Event.Persisted && r.Event.Known() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Storage", Value: "attribution was not saved"})
	}

	return &discordgo.MessageEmbed{
		Title:     "Member joined " + r.GuildName,
		Color:     r.Color,
		Timestamp: r.Now.Format(time.RFC3339),
		Fields:    fields,
	}
}

// attributionLabel names how the inviter was chosen. Paired attributions
// come from matching invites to joins by age and are not confirmed.
func attributionLabel(e invites.MemberAttributed) string {
	switch e.Method {
	case "":
		return e.Outcome.String()
	case invites.MethodPaired:
		return string(e.Method) + " (by invite age, unverified)"
	}
	return string(e.Method)
}

func accountAgeDays(created, now time.Time) int {
	if now.Before(created) {
		return 0
	}
	return int(now.Sub(created).Hours() / 24)
}

func auditEmbed(entry storage.AuditLog, guildName string) *discordgo.MessageEmbed {
	color := 0xEAB308
	if entry.Level == audit.LevelCrit {
		color = 0xEF4444
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Guild", Value: guildName, Inline: true},
		{Name: "Level", Value: entry.Level, Inline: true},
	}
	if entry.UserID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "User", Value: "<@" + entry.UserID + ">", Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       strings.ReplaceAll(entry.Event, "_", " "),
		Description: entry.Details,
		Color:       color,
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
		Fields:      fields,
	}
}
