// Package discord adapts the Discord gateway and voice API to the relay:
// inbound events go onto the bus, slash commands go to the command service
// and voice connections implement the voice package.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-relay/internal/command"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

const commandTimeout = 2 * time.Minute

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Dispatcher executes slash commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv command.Invocation) command.Reply
}

type Gateway struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	pub     Publisher
	logger  *slog.Logger

	ready atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	dispatcher Dispatcher
	removers   []func()
}

func NewGateway(parent context.Context, cfg config.DiscordConfig, pub Publisher, logger *slog.Logger) (*Gateway, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentMessageContent
	session.StateEnabled = true

	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		cfg:     cfg,
		session: session,
		pub:     pub,
		logger:  logger.With(slog.String("component", "discord")),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Session exposes the underlying discordgo session for the voice transport.
func (g *Gateway) Session() *discordgo.Session {
	return g.session
}

// SetDispatcher routes slash commands. Interactions that arrive before a
// dispatcher is set are answered with an error.
func (g *Gateway) SetDispatcher(d Dispatcher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dispatcher = d
}

func (g *Gateway) Start() error {
	g.mu.Lock()
	g.removers = append(g.removers,
		g.session.AddHandler(g.onReady),
		g.session.AddHandler(g.onMessageCreate),
		g.session.AddHandler(g.onVoiceStateUpdate),
		g.session.AddHandler(g.onInteractionCreate),
		g.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			g.ready.Store(false)
			g.logger.Warn("gateway disconnected")
		}),
	)
	g.mu.Unlock()

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// RegisterCommands replaces the application's slash commands. Commands are
// scoped to cfg.CommandGuildID when set.
func (g *Gateway) RegisterCommands(specs []command.Spec) error {
	appID := g.cfg.ApplicationID
	if appID == "" && g.session.State != nil && g.session.State.User != nil {
		appID = g.session.State.User.ID
	}
	if appID == "" {
		return errors.New("application id unknown; set discord.application_id")
	}
	registered, err := g.session.ApplicationCommandBulkOverwrite(appID, g.cfg.CommandGuildID, applicationCommands(specs))
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	g.logger.Info("slash commands registered", slog.Int("count", len(registered)), slog.String("guild_id", g.cfg.CommandGuildID))
	return nil
}

func (g *Gateway) Close() error {
	g.cancel()
	g.mu.Lock()
	for _, remove := range g.removers {
		remove()
	}
	g.removers = nil
	g.mu.Unlock()
	err := g.session.Close()
	g.wg.Wait()
	g.ready.Store(false)
	return err
}

func (g *Gateway) Healthy() bool {
	return g.ready.Load()
}

// UserVoiceChannel reports the voice channel a member is in, from the state
// cache.
func (g *Gateway) UserVoiceChannel(guildID, userID string) string {
	vs, err := g.session.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (g *Gateway) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	g.ready.Store(true)
	evt := readyEvent(r)
	g.logger.Info("gateway ready", slog.String("user_id", evt.UserID), slog.Int("guilds", len(evt.Guilds)))
	g.publish(protocol.SubjectGatewayReady, evt)
}

func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID == "" || m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	g.publish(protocol.SubjectGatewayMessage, messageEvent(m))
}

func (g *Gateway) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	evt := presenceEvent(selfID, vs, func(userID string) bool {
		m, err := s.State.Member(vs.GuildID, userID)
		return err == nil && m.User != nil && m.User.Bot
	})
	if evt.BeforeChannelID == evt.AfterChannelID {
		return
	}
	g.publish(protocol.SubjectGatewayPresence, evt)
}

func (g *Gateway) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	g.mu.Lock()
	dispatcher := g.dispatcher
	g.mu.Unlock()

	// Voice joins can outlast the interaction deadline, so every command
	// is deferred and answered by editing the response.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		g.logger.Warn("failed to defer interaction", slogError(err))
		return
	}

	inv := invocation(i, g.UserVoiceChannel)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		reply := command.Reply{Content: "コマンドを処理できません。", Ephemeral: true}
		if dispatcher != nil {
			ctx, cancel := context.WithTimeout(g.ctx, commandTimeout)
			reply = dispatcher.Dispatch(ctx, inv)
			cancel()
		}
		g.respond(s, i.Interaction, inv.Name, reply)
	}()
}

func (g *Gateway) respond(s *discordgo.Session, interaction *discordgo.Interaction, name string, reply command.Reply) {
	if !reply.Ephemeral {
		content := reply.Content
		if _, err := s.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
			g.logger.Warn("failed to answer interaction", slog.String("command", name), slogError(err))
		}
		return
	}
	// The deferred response is public; replace it with a private follow-up.
	if err := s.InteractionResponseDelete(interaction); err != nil {
		g.logger.Debug("failed to delete deferred response", slog.String("command", name), slogError(err))
	}
	if _, err := s.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
		Content: reply.Content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		g.logger.Warn("failed to answer interaction", slog.String("command", name), slogError(err))
	}
}

func (g *Gateway) publish(subject string, v any) {
	if g.ctx.Err() != nil {
		return
	}
	if err := g.pub.PublishJSON(subject, v); err != nil {
		g.logger.Warn("failed to publish gateway event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
