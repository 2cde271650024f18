// Package discord is the guild gateway backed by the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbridge/backend/internal/gateway"

	"github.com/bwmarrin/discordgo"
)

// Gateway implements gateway.Chat for one guild.
type Gateway struct {
	session *discordgo.Session
	guildID string
	timeout time.Duration
}

// NewGateway creates a REST-only session for the bot token. No websocket
// connection is opened; every call is a plain REST request.
func NewGateway(token, guildID string, timeout time.Duration) (*Gateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &Gateway{session: session, guildID: guildID, timeout: timeout}, nil
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// ListMemberRoles returns the role ids of a guild member.
func (g *Gateway) ListMemberRoles(ctx context.Context, chatUserID string) ([]string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	member, err := g.session.GuildMember(g.guildID, chatUserID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("guild member", err)
	}
	return member.Roles, nil
}

// AddRole grants roleID to a guild member.
func (g *Gateway) AddRole(ctx context.Context, chatUserID, roleID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.session.GuildMemberRoleAdd(g.guildID, chatUserID, roleID, discordgo.WithContext(ctx)); err != nil {
		return classify("add role", err)
	}
	return nil
}

// RemoveRole revokes roleID from a guild member.
func (g *Gateway) RemoveRole(ctx context.Context, chatUserID, roleID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.session.GuildMemberRoleRemove(g.guildID, chatUserID, roleID, discordgo.WithContext(ctx)); err != nil {
		return classify("remove role", err)
	}
	return nil
}

// SendDirectMessage opens (or reuses) the DM channel and posts text.
func (g *Gateway) SendDirectMessage(ctx context.Context, chatUserID, text string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	channel, err := g.session.UserChannelCreate(chatUserID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("open dm channel", err)
	}
	if _, err := g.session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx)); err != nil {
		return classify("send dm", err)
	}
	return nil
}

// classify maps discordgo errors onto gateway error kinds. A member that
// left the guild or blocks DMs answers with a 4xx and is permanent.
func classify(op string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return gateway.FromStatus(op, restErr.Response.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return gateway.Transient(op, 0, err)
}

var _ gateway.Chat = (*Gateway)(nil)
