package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"inviteward/internal/invites"

	"github.com/bwmarrin/discordgo"
)

type discordLister struct {
	session *discordgo.Session
}

func (l *discordLister) ListInvites(ctx context.Context, guildID string) ([]invites.Invite, error) {
	list, err := l.session.GuildInvites(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapRESTError(err)
	}
	out := make([]invites.Invite, 0, len(list))
	for _, inv := range list {
		if inv == nil {
			continue
		}
		out = append(out, toInvite(inv))
	}
	return out, nil
}

func toInvite(inv *discordgo.Invite) invites.Invite {
	inviterID := ""
	if inv.Inviter != nil {
		inviterID = inv.Inviter.ID
	}
	return invites.Invite{
		Code:      inv.Code,
		Uses:      inv.Uses,
		InviterID: inviterID,
		CreatedAt: inv.CreatedAt,
	}
}

func mapRESTError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return err
	}
	switch restErr.Response.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", invites.ErrForbidden, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", invites.ErrNotFound, err)
	default:
		return err
	}
}
