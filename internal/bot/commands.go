package bot

import "github.com/bwmarrin/discordgo"

var (
	adminPermissions int64 = discordgo.PermissionManageServer
	guildOnly              = false
	minLeaderboard         = 1.0
	maxLeaderboard         = 25.0
	minAmount              = 1.0
	minReportDays          = 1.0
	maxReportDays          = 90.0
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:         "invites",
			Description:  "Show invite counters",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to inspect (defaults to you)",
				},
			},
		},
		{
			Name:         "invitestop",
			Description:  "Show the invite leaderboard",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "Number of entries (1-25)",
					MinValue:    &minLeaderboard,
					MaxValue:    maxLeaderboard,
				},
			},
		},
		{
			Name:         "inviter",
			Description:  "Show who invited a member",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to look up",
					Required:    true,
				},
			},
		},
		{
			Name:                     "add_invites",
			Description:              "Add bonus invites to a member",
			DefaultMemberPermissions: &adminPermissions,
			DMPermission:             &guildOnly,
			Options:                  adjustOptions(),
		},
		{
			Name:                     "remove_invites",
			Description:              "Remove invites from a member",
			DefaultMemberPermissions: &adminPermissions,
			DMPermission:             &guildOnly,
			Options:                  adjustOptions(),
		},
		{
			Name:                     "welcome",
			Description:              "Set the welcome channel",
			DefaultMemberPermissions: &adminPermissions,
			DMPermission:             &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Channel for welcome messages",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:                     "invitereport",
			Description:              "Summarize attribution outcomes",
			DefaultMemberPermissions: &adminPermissions,
			DMPermission:             &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "days",
					Description: "Days to cover (default 7)",
					MinValue:    &minReportDays,
					MaxValue:    maxReportDays,
				},
			},
		},
	}
}

func adjustOptions() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        "user",
			Description: "Member to adjust",
			Required:    true,
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "amount",
			Description: "Number of invites",
			Required:    true,
			MinValue:    &minAmount,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "reason",
			Description: "Reason shown to the member",
		},
	}
}

func (b *Bot) registerCommands() error {
	commands := commandDefinitions()
	appID := b.session.State.User.ID

	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		return err
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
