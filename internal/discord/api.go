package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/transport"
)

// ========================= high-level API  =========================

type commandIndex struct {
	ApplicationCommands []*discordgo.ApplicationCommand `json:"application_commands"`
}

// DiscoverCommands — индекс slash-команд гильдии, только команды игры.
func (c *Client) DiscoverCommands(ctx context.Context) ([]registry.CommandDefinition, error) {
	endpoint := c.cfg.APIBase + "guilds/" + c.cfg.GuildID + "/application-command-index"
	body, err := c.rest.RequestWithBucketID(http.MethodGet, endpoint, nil, "application-command-index", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}

	var idx commandIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("decode command index: %w", err)
	}
	var out []registry.CommandDefinition
	for _, ac := range idx.ApplicationCommands {
		if ac == nil || ac.ApplicationID != c.cfg.ApplicationID {
			continue
		}
		out = append(out, convertCommand(ac))
	}
	c.log.Debug("command index fetched", zap.Int("total", len(idx.ApplicationCommands)), zap.Int("game", len(out)))
	return out, nil
}

type interactionPayload struct {
	Type          discordgo.InteractionType `json:"type"`
	ApplicationID string                    `json:"application_id"`
	GuildID       string                    `json:"guild_id,omitempty"`
	ChannelID     string                    `json:"channel_id"`
	SessionID     string                    `json:"session_id"`
	Nonce         string                    `json:"nonce"`
	Data          commandData               `json:"data"`
}

type commandData struct {
	Version     string                                               `json:"version"`
	ID          string                                               `json:"id"`
	Name        string                                               `json:"name"`
	Type        discordgo.ApplicationCommandType                     `json:"type"`
	Options     []*discordgo.ApplicationCommandInteractionDataOption `json:"options"`
	Attachments []any                                                `json:"attachments"`
}

// Invoke отправляет slash-команду. Ответ придёт сообщением через Events().
func (c *Client) Invoke(ctx context.Context, inv transport.Invocation) (transport.Handle, error) {
	channel := inv.ChannelID
	if channel == "" {
		channel = c.cfg.ChannelID
	}
	nonce := inv.Nonce
	if nonce == "" {
		nonce = Nonce(time.Now())
	}
	p := interactionPayload{
		Type:          discordgo.InteractionApplicationCommand,
		ApplicationID: c.cfg.ApplicationID,
		GuildID:       c.cfg.GuildID,
		ChannelID:     channel,
		SessionID:     c.sessionForInteraction(),
		Nonce:         nonce,
		Data: commandData{
			Version:     inv.Version,
			ID:          inv.CommandID,
			Name:        inv.Name,
			Type:        discordgo.ChatApplicationCommand,
			Options:     buildOptions(inv.Path, inv.Args),
			Attachments: []any{},
		},
	}

	issued := time.Now()
	if _, err := c.rest.RequestWithBucketID(http.MethodPost, c.cfg.APIBase+"interactions", p, "interactions", discordgo.WithContext(ctx)); err != nil {
		return transport.Handle{}, mapError(err)
	}
	c.log.Debug("interaction sent", zap.String("command", inv.FullName()), zap.String("nonce", nonce))
	return transport.Handle{Nonce: nonce, IssuedAt: issued}, nil
}

// Say пишет обычное сообщение в канал (ответы оператору).
func (c *Client) Say(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		channelID = c.cfg.ChannelID
	}
	endpoint := c.cfg.APIBase + "channels/" + channelID + "/messages"
	msg := &discordgo.MessageSend{Content: text}
	if _, err := c.rest.RequestWithBucketID(http.MethodPost, endpoint, msg, "channels/"+channelID+"/messages", discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// buildOptions: путь подкоманд превращается во вложенные опции, аргументы
// кладутся в самую глубокую.
func buildOptions(path []string, args []transport.Arg) []*discordgo.ApplicationCommandInteractionDataOption {
	leaf := make([]*discordgo.ApplicationCommandInteractionDataOption, 0, len(args))
	for _, a := range args {
		leaf = append(leaf, &discordgo.ApplicationCommandInteractionDataOption{
			Name:  a.Name,
			Type:  discordgo.ApplicationCommandOptionType(a.Kind),
			Value: a.Value,
		})
	}
	if len(path) == 0 {
		return leaf
	}

	opts := leaf
	for i := len(path) - 1; i >= 0; i-- {
		typ := discordgo.ApplicationCommandOptionSubCommand
		if i < len(path)-1 {
			typ = discordgo.ApplicationCommandOptionSubCommandGroup
		}
		opts = []*discordgo.ApplicationCommandInteractionDataOption{{
			Name:    path[i],
			Type:    typ,
			Options: opts,
		}}
	}
	return opts
}

// mapError переводит ошибки discordgo в ошибки транспорта.
func mapError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		out := &transport.RateLimitedError{}
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			out.RetryAfter = rl.RetryAfter
			out.Bucket = rl.Bucket
		}
		return out
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusNotFound {
			sm := &transport.StructuralMismatchError{Status: status, Message: string(re.ResponseBody)}
			if re.Message != nil {
				sm.Code = re.Message.Code
				sm.Message = re.Message.Message
			}
			return sm
		}
		return fmt.Errorf("discord http %d: %w", status, err)
	}
	return err
}
