package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inviteward/internal/analytics"
	"inviteward/internal/modules/audit"
	"inviteward/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	defaultLeaderboardSize = 10
	defaultReportDays      = 7
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if interaction.GuildID == "" {
		b.respond(session, interaction, "This command only works in a server.", true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := interaction.ApplicationCommandData()
	options := optionMap(data.Options)
	switch data.Name {
	case "invites":
		b.handleInvites(ctx, session, interaction, options)
	case "invitestop":
		b.handleLeaderboard(ctx, session, interaction, options)
	case "inviter":
		b.handleInviter(ctx, session, interaction, options)
	case "add_invites", "remove_invites", "welcome", "invitereport":
		if !isAdmin(interaction.Member) {
			b.respond(session, interaction, "You need the Manage Server permission.", true)
			return
		}
		switch data.Name {
		case "add_invites":
			b.handleAddInvites(ctx, session, interaction, options)
		case "remove_invites":
			b.handleRemoveInvites(ctx, session, interaction, options)
		case "welcome":
			b.handleWelcome(ctx, session, interaction, options)
		case "invitereport":
			b.handleReport(ctx, session, interaction, options)
		}
	}
}

func (b *Bot) handleInvites(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userID := invokerID(interaction)
	if opt, ok := options["user"]; ok {
		userID = opt.UserValue(nil).ID
	}
	if userID == "" {
		b.respond(session, interaction, "Could not determine the user.", true)
		return
	}

	counters, _, err := b.store.GetCounters(ctx, interaction.GuildID, userID)
	if err != nil {
		b.logger.Warn("counters lookup failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respond(session, interaction, "Could not load invites right now.", true)
		return
	}
	b.respondEmbed(session, interaction, countersEmbed(userID, counters, b.cfg.Moderation.EmbedColorJoin), false)
}

func (b *Bot) handleLeaderboard(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	limit := defaultLeaderboardSize
	if opt, ok := options["count"]; ok {
		limit = int(opt.IntValue())
	}
	limit = clamp(limit, 1, b.cfg.Invites.LeaderboardMax)

	entries, err := b.store.GetLeaderboard(ctx, interaction.GuildID, limit)
	if err != nil {
		b.logger.Warn("leaderboard lookup failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respond(session, interaction, "Could not load the leaderboard right now.", true)
		return
	}
	embed := commandEmbed("Invite leaderboard", leaderboardText(entries), b.cfg.Moderation.EmbedColorJoin, nil)
	b.respondEmbed(session, interaction, embed, false)
}

func (b *Bot) handleInviter(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	opt, ok := options["user"]
	if !ok {
		b.respond(session, interaction, "A user is required.", true)
		return
	}
	userID := opt.UserValue(nil).ID

	record, found, err := b.store.GetAttributionOf(ctx, interaction.GuildID, userID)
	if err != nil {
		b.logger.Warn("attribution lookup failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respond(session, interaction, "Could not load the attribution right now.", true)
		return
	}
	b.respond(session, interaction, inviterText(userID, record, found), false)
}

func (b *Bot) handleAddInvites(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userID, amount, reason, ok := adjustArgs(options)
	if !ok {
		b.respond(session, interaction, "A user and a positive amount are required.", true)
		return
	}

	total, err := b.store.AdjustBonus(ctx, interaction.GuildID, userID, amount)
	if err != nil {
		b.logger.Warn("bonus adjustment failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respond(session, interaction, "Could not add invites right now.", true)
		return
	}

	detail := fmt.Sprintf("amount=%d by=%s reason=%s", amount, invokerID(interaction), reason)
	b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, userID, audit.EventBonusAdded, detail)

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + userID + ">", Inline: true},
		{Name: "Added", Value: fmt.Sprintf("%d", amount), Inline: true},
		{Name: "Total", Value: fmt.Sprintf("%d", total), Inline: true},
	}
	b.respondEmbed(session, interaction, commandEmbed("Invites added", reasonText(reason), b.cfg.Moderation.EmbedColorBonus, fields), true)
	b.dmUser(userID, commandEmbed("You received invites", fmt.Sprintf("%s were added to your count in %s. %s", pluralInvites(amount), b.guildName(interaction.GuildID), reasonText(reason)), b.cfg.Moderation.EmbedColorBonus, nil))
}

func (b *Bot) handleRemoveInvites(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userID, amount, reason, ok := adjustArgs(options)
	if !ok {
		b.respond(session, interaction, "A user and a positive amount are required.", true)
		return
	}

	total, found, err := b.store.RevokeInvites(ctx, interaction.GuildID, userID, amount)
	if err != nil {
		b.logger.Warn("invite removal failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respond(session, interaction, "Could not remove invites right now.", true)
		return
	}
	if !found {
		b.respond(session, interaction, fmt.Sprintf("<@%s> has no invites to remove.", userID), true)
		return
	}

	detail := fmt.Sprintf("amount=%d by=%s reason=%s", amount, invokerID(interaction), reason)
	b.audit.Log(ctx, audit.LevelWarn, interaction.GuildID, userID, audit.EventInvitesRemove, detail)

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + userID + ">", Inline: true},
		{Name: "Removed", Value: fmt.Sprintf("%d", amount), Inline: true},
		{Name: "Total", Value: fmt.Sprintf("%d", total), Inline: true},
	}
	b.respondEmbed(session, interaction, commandEmbed("Invites removed", reasonText(reason), b.cfg.Moderation.EmbedColorRevoke, fields), true)
	b.dmUser(userID, commandEmbed("Invites removed", fmt.Sprintf("%s were removed from your count in %s. %s", pluralInvites(amount), b.guildName(interaction.GuildID), reasonText(reason)), b.cfg.Moderation.EmbedColorRevoke, nil))
}

func (b *Bot) handleWelcome(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	opt, ok := options["channel"]
	if !ok {
		b.respond(session, interaction, "A channel is required.", true)
		return
	}
	channelID := opt.Value.(string)

	cfg, err := b.store.GetGuildConfig(ctx, interaction.GuildID)
	if err == nil {
		cfg.WelcomeChannelID = channelID
		err = b.store.UpsertGuildConfig(ctx, cfg)
	}
	if err != nil {
		b.logger.Warn("welcome channel update failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respond(session, interaction, "Could not save the welcome channel.", true)
		return
	}
	b.respond(session, interaction, fmt.Sprintf("Welcome messages will be posted in <#%s>.", channelID), true)
}

func (b *Bot) handleReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	days := defaultReportDays
	if opt, ok := options["days"]; ok {
		days = int(opt.IntValue())
	}
	days = clamp(days, 1, 90)

	report, err := b.analytics.Report(ctx, interaction.GuildID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		b.logger.Warn("report failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respond(session, interaction, "Could not build the report right now.", true)
		return
	}
	title := fmt.Sprintf("Invite report (last %d days)", days)
	b.respondEmbed(session, interaction, commandEmbed(title, formatReport(report), b.cfg.Moderation.EmbedColorJoin, nil), true)
}

func (b *Bot) dmUser(userID string, embed *discordgo.MessageEmbed) {
	channel, err := b.session.UserChannelCreate(userID)
	if err != nil {
		b.logger.Debug("dm channel unavailable", zap.String("user_id", userID), zap.Error(err))
		return
	}
	_, _ = b.session.ChannelMessageSendEmbed(channel.ID, embed)
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         content,
			Flags:           flags,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

func adjustArgs(options map[string]*discordgo.ApplicationCommandInteractionDataOption) (string, int, string, bool) {
	userOpt, ok := options["user"]
	if !ok {
		return "", 0, "", false
	}
	amountOpt, ok := options["amount"]
	if !ok || amountOpt.IntValue() <= 0 {
		return "", 0, "", false
	}
	reason := ""
	if opt, ok := options["reason"]; ok {
		reason = strings.TrimSpace(opt.StringValue())
	}
	return userOpt.UserValue(nil).ID, int(amountOpt.IntValue()), reason, true
}

func invokerID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func isAdmin(member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	return member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if high > 0 && value > high {
		return high
	}
	return value
}

func reasonText(reason string) string {
	if reason == "" {
		return "No reason given."
	}
	return "Reason: " + reason
}

func countersEmbed(userID string, counters storage.InviteCounters, color int) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Regular", Value: fmt.Sprintf("%d", counters.Regular), Inline: true},
		{Name: "Bonus", Value: fmt.Sprintf("%d", counters.Bonus), Inline: true},
		{Name: "Fake", Value: fmt.Sprintf("%d", counters.Fake), Inline: true},
		{Name: "Left", Value: fmt.Sprintf("%d", counters.Left), Inline: true},
	}
	description := fmt.Sprintf("<@%s> has %s.", userID, pluralInvites(counters.Total()))
	return commandEmbed("Invites", description, color, fields)
}

func leaderboardText(entries []storage.LeaderboardEntry) string {
	if len(entries) == 0 {
		return "No invites recorded yet."
	}
	var sb strings.Builder
	for i, entry := range entries {
		fmt.Fprintf(&sb, "%d. <@%s> | %s\n", i+1, entry.UserID, pluralInvites(entry.Total))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func inviterText(userID string, record storage.Attribution, found bool) string {
	if !found {
		return fmt.Sprintf("No attribution recorded for <@%s>.", userID)
	}
	text := fmt.Sprintf("<@%s> was invited by <@%s> with code `%s` on <t:%d:f>.", userID, record.InviterID, record.Code, record.JoinedAt.Unix())
	if record.LeftAt != nil {
		text += fmt.Sprintf(" They left on <t:%d:f>.", record.LeftAt.Unix())
	}
	return text
}

func formatReport(report analytics.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total: %d | INFO: %d | WARN: %d | CRIT: %d", report.Total, report.ByLevel[audit.LevelInfo], report.ByLevel[audit.LevelWarn], report.ByLevel[audit.LevelCrit])
	for _, row := range report.Events() {
		fmt.Fprintf(&sb, "\n%s: %d", row.Event, row.Count)
	}
	return sb.String()
}
