package discord

import (
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/transport"
)

const discordEpoch = 1420070400000

// Nonce — snowflake от текущего времени, как у веб-клиента.
func Nonce(t time.Time) string {
	return strconv.FormatInt((t.UnixMilli()-discordEpoch)<<22, 10)
}

func convertCommand(ac *discordgo.ApplicationCommand) registry.CommandDefinition {
	def := registry.CommandDefinition{
		Name:        ac.Name,
		ID:          ac.ID,
		Version:     ac.Version,
		Description: ac.Description,
	}
	def.Options, def.Subcommands = splitOptions(ac.Options, 0)
	return def
}

// splitOptions разносит опции: subcommand/group уходят в Subcommands.
func splitOptions(in []*discordgo.ApplicationCommandOption, depth int) ([]registry.Option, []registry.Subcommand) {
	var (
		opts []registry.Option
		subs []registry.Subcommand
	)
	for _, o := range in {
		if o == nil {
			continue
		}
		switch o.Type {
		case discordgo.ApplicationCommandOptionSubCommand, discordgo.ApplicationCommandOptionSubCommandGroup:
			if depth >= registry.MaxDepth {
				continue
			}
			sc := registry.Subcommand{
				Name:  o.Name,
				Group: o.Type == discordgo.ApplicationCommandOptionSubCommandGroup,
			}
			sc.Options, sc.Subcommands = splitOptions(o.Options, depth+1)
			subs = append(subs, sc)
		default:
			opt := registry.Option{Name: o.Name, Required: o.Required, Kind: registry.OptionKind(o.Type)}
			for _, ch := range o.Choices {
				if ch != nil {
					opt.Choices = append(opt.Choices, registry.Choice{Name: ch.Name, Value: ch.Value})
				}
			}
			opts = append(opts, opt)
		}
	}
	return opts, subs
}

func convertMessage(m *discordgo.Message, edited bool) transport.IncomingMessage {
	out := transport.IncomingMessage{
		Kind:      transport.EventMessage,
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Timestamp: m.Timestamp,
		Edited:    edited || m.EditedTimestamp != nil,
		Loading:   m.Flags&discordgo.MessageFlagsLoading != 0,
		Content:   transport.Content{MessageID: m.ID, Text: m.Content},
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	if m.Interaction != nil {
		out.InteractionID = m.Interaction.ID
		out.InteractionName = m.Interaction.Name
	}
	if out.InteractionID == "" && m.InteractionMetadata != nil {
		out.InteractionID = m.InteractionMetadata.ID
	}

	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		em := transport.Embed{Title: e.Title, Description: e.Description}
		for _, f := range e.Fields {
			if f != nil {
				em.Fields = append(em.Fields, transport.Field{Name: f.Name, Value: f.Value})
			}
		}
		if e.Footer != nil {
			em.Footer = e.Footer.Text
		}
		if e.Image != nil {
			em.ImageURL = e.Image.URL
		}
		out.Content.Embeds = append(out.Content.Embeds, em)
	}
	for _, comp := range m.Components {
		out.Content.Buttons = append(out.Content.Buttons, buttons(comp)...)
	}
	return out
}

func buttons(c discordgo.MessageComponent) []transport.Button {
	switch v := c.(type) {
	case *discordgo.ActionsRow:
		var out []transport.Button
		for _, inner := range v.Components {
			out = append(out, buttons(inner)...)
		}
		return out
	case discordgo.ActionsRow:
		return buttons(&v)
	case *discordgo.Button:
		return []transport.Button{{Label: v.Label, CustomID: v.CustomID, Disabled: v.Disabled}}
	case discordgo.Button:
		return buttons(&v)
	}
	return nil
}
