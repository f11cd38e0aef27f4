package discord

import (
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-relay/internal/command"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func messageEvent(m *discordgo.MessageCreate) protocol.MessageEvent {
	evt := protocol.MessageEvent{
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		Content:     m.Content,
		Attachments: len(m.Attachments),
		Timestamp:   m.Timestamp.UTC(),
	}
	if m.Author != nil {
		evt.AuthorID = m.Author.ID
		evt.AuthorBot = m.Author.Bot
		evt.AuthorName = displayName(m.Member, m.Author)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

// presenceEvent converts a voice state update. selfID is the relay's own user
// id; bot is consulted when the update carries no member.
func presenceEvent(selfID string, vs *discordgo.VoiceStateUpdate, bot func(userID string) bool) protocol.PresenceEvent {
	evt := protocol.PresenceEvent{
		GuildID:        vs.GuildID,
		UserID:         vs.UserID,
		Self:           selfID != "" && vs.UserID == selfID,
		AfterChannelID: vs.ChannelID,
		Timestamp:      time.Now().UTC(),
	}
	if vs.BeforeUpdate != nil {
		evt.BeforeChannelID = vs.BeforeUpdate.ChannelID
	}
	if vs.Member != nil && vs.Member.User != nil {
		evt.Bot = vs.Member.User.Bot
		evt.DisplayName = displayName(vs.Member, vs.Member.User)
	} else if bot != nil {
		evt.Bot = bot(vs.UserID)
	}
	if evt.DisplayName == "" {
		evt.DisplayName = vs.UserID
	}
	return evt
}

func readyEvent(r *discordgo.Ready) protocol.ReadyEvent {
	evt := protocol.ReadyEvent{SessionID: r.SessionID, Timestamp: time.Now().UTC()}
	if r.User != nil {
		evt.UserID = r.User.ID
	}
	for _, g := range r.Guilds {
		evt.Guilds = append(evt.Guilds, g.ID)
	}
	return evt
}

func displayName(m *discordgo.Member, u *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// invocation flattens slash command options into strings keyed by option
// name.
func invocation(i *discordgo.InteractionCreate, userVoiceChannel func(guildID, userID string) string) command.Invocation {
	data := i.ApplicationCommandData()
	inv := command.Invocation{
		Name:      data.Name,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Options:   make(map[string]string, len(data.Options)),
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID = i.Member.User.ID
	case i.User != nil:
		inv.UserID = i.User.ID
	}
	for _, opt := range data.Options {
		inv.Options[opt.Name] = optionString(opt)
	}
	if inv.GuildID != "" && inv.UserID != "" && userVoiceChannel != nil {
		inv.UserVoiceChannelID = userVoiceChannel(inv.GuildID, inv.UserID)
	}
	return inv
}

func optionString(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	switch v := opt.Value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

var optionTypes = map[command.OptionType]discordgo.ApplicationCommandOptionType{
	command.OptionString:       discordgo.ApplicationCommandOptionString,
	command.OptionInteger:      discordgo.ApplicationCommandOptionInteger,
	command.OptionNumber:       discordgo.ApplicationCommandOptionNumber,
	command.OptionVoiceChannel: discordgo.ApplicationCommandOptionChannel,
	command.OptionTextChannel:  discordgo.ApplicationCommandOptionChannel,
}

// applicationCommands builds the slash command definitions registered with
// Discord.
func applicationCommands(specs []command.Spec) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(specs))
	for _, spec := range specs {
		cmd := &discordgo.ApplicationCommand{
			Name:        spec.Name,
			Description: spec.Description,
			Type:        discordgo.ChatApplicationCommand,
		}
		for _, o := range spec.Options {
			opt := &discordgo.ApplicationCommandOption{
				Type:        optionTypes[o.Type],
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
				MinValue:    o.Min,
			}
			if o.Max != nil {
				opt.MaxValue = *o.Max
			}
			switch o.Type {
			case command.OptionVoiceChannel:
				opt.ChannelTypes = []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice}
			case command.OptionTextChannel:
				opt.ChannelTypes = []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildVoice}
			}
			for _, choice := range o.Choices {
				opt.Choices = append(opt.Choices, &discordgo.ApplicationCommandOptionChoice{Name: choice, Value: choice})
			}
			cmd.Options = append(cmd.Options, opt)
		}
		out = append(out, cmd)
	}
	return out
}
