// Package command implements the relay's slash commands independently of the
// chat platform that delivers them.
package command

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/dictionary"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

// Invocation is one command call. UserVoiceChannelID is the invoker's current
// voice channel, empty when they are not in voice.
type Invocation struct {
	Name               string
	GuildID            string
	ChannelID          string
	UserID             string
	UserVoiceChannelID string
	Options            map[string]string
}

// Reply is the response shown to the invoker.
type Reply struct {
	Content   string
	Ephemeral bool
}

type Sessions interface {
	Connect(ctx context.Context, req session.ConnectRequest) (session.Info, error)
	Move(ctx context.Context, guildID, channelID string) (session.Info, error)
	RebindText(guildID, textChannelID string, origin session.Origin) (session.Info, error)
	Disconnect(ctx context.Context, guildID string) error
	Lookup(guildID string) (session.Info, bool)
	UpdateVoice(guildID string, speaker *int, params synthesis.Params)
	Speak(guildID, text string) error
}

type Lanes interface {
	Interrupt(guildID string) bool
	Clear(guildID string) int
	Status(guildID string) (playback.Status, bool)
}

type Words interface {
	Add(ctx context.Context, guildID string, w configstore.Word) (configstore.Word, error)
	Edit(ctx context.Context, guildID string, w configstore.Word) (configstore.Word, error)
	Remove(ctx context.Context, guildID, surface string) error
	List(ctx context.Context, guildID string, page, size int) (dictionary.Page, error)
}

// Settings persists per-guild configuration.
type Settings interface {
	PutBinding(ctx context.Context, b configstore.Binding) error
	DeleteBinding(ctx context.Context, guildID string) (bool, error)
	PutSpeaker(ctx context.Context, guildID string, speaker int) error
	PutVoiceParam(ctx context.Context, guildID string, p synthesis.Param, value float64) error
	GetVoiceParams(ctx context.Context, guildID string) (synthesis.Params, error)
	ResetVoice(ctx context.Context, guildID string) error
	PutJoinLeave(ctx context.Context, guildID string, enabled bool) error
}

// Catalog resolves speaker style ids. known is false until the backend has
// been reached.
type Catalog interface {
	Style(id int) (info synthesis.StyleInfo, found bool, known bool)
}

type Options struct {
	DefaultSpeaker int
	WordsPageSize  int
}

type handler func(ctx context.Context, inv Invocation) (Reply, error)

type Service struct {
	sessions Sessions
	lanes    Lanes
	words    Words
	settings Settings
	catalog  Catalog
	opts     Options
	log      *slog.Logger
	handlers map[string]handler
}

func NewService(sessions Sessions, lanes Lanes, words Words, settings Settings, catalog Catalog, opts Options, log *slog.Logger) *Service {
	if opts.WordsPageSize <= 0 {
		opts.WordsPageSize = 10
	}
	s := &Service{
		sessions: sessions,
		lanes:    lanes,
		words:    words,
		settings: settings,
		catalog:  catalog,
		opts:     opts,
		log:      log.With(slog.String("component", "command")),
	}
	s.handlers = map[string]handler{
		CmdJoin:               s.Join,
		CmdLeave:              s.Leave,
		CmdMove:               s.Move,
		CmdRegisterAutoJoin:   s.RegisterAutoJoin,
		CmdUnregisterAutoJoin: s.UnregisterAutoJoin,
		CmdSetSpeaker:         s.SetSpeaker,
		CmdSetVoiceParam:      s.SetVoiceParam,
		CmdResetVoice:         s.ResetVoice,
		CmdAddWord:            s.AddWord,
		CmdEditWord:           s.EditWord,
		CmdRemoveWord:         s.RemoveWord,
		CmdListWords:          s.ListWords,
		CmdSkip:               s.Skip,
		CmdQueue:              s.Queue,
		CmdJoinLeave:          s.JoinLeave,
		CmdSpeak:              s.Speak,
		CmdStatus:             s.Status,
	}
	for _, p := range synthesis.AllParams() {
		param := p
		s.handlers[paramCommand(param)] = func(ctx context.Context, inv Invocation) (Reply, error) {
			inv.Options = withOption(inv.Options, "param", string(param))
			return s.SetVoiceParam(ctx, inv)
		}
	}
	return s
}

// Dispatch runs the named command and always produces a reply. Failures are
// logged and rendered as ephemeral messages.
func (s *Service) Dispatch(ctx context.Context, inv Invocation) Reply {
	h, ok := s.handlers[inv.Name]
	if !ok {
		return Reply{Content: "不明なコマンドです。", Ephemeral: true}
	}
	if inv.GuildID == "" {
		return Reply{Content: "このコマンドはサーバー内でのみ使用できます。", Ephemeral: true}
	}
	reply, err := h(ctx, inv)
	if err != nil {
		s.log.Warn("command failed",
			slog.String("command", inv.Name),
			slog.String("guild_id", inv.GuildID),
			slog.String("user_id", inv.UserID),
			slogError(err),
		)
		return Reply{Content: errorText(err), Ephemeral: true}
	}
	s.log.Debug("command handled", slog.String("command", inv.Name), slog.String("guild_id", inv.GuildID))
	return reply
}

func withOption(opts map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out[key] = value
	return out
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
