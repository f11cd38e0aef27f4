package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

// Join connects to the given or the invoker's voice channel. An already
// connected guild is rebound and moved instead.
func (s *Service) Join(ctx context.Context, inv Invocation) (Reply, error) {
	voice := inv.Options["voice_channel"]
	if voice == "" {
		voice = inv.UserVoiceChannelID
	}
	if voice == "" {
		return Reply{}, usage("ボイスチャンネルが指定されておらず、あなたはボイスチャンネルに接続していません。")
	}
	text := inv.Options["text_channel"]
	if text == "" {
		text = inv.ChannelID
	}

	current, connected := s.sessions.Lookup(inv.GuildID)
	if !connected {
		if _, err := s.sessions.Connect(ctx, session.ConnectRequest{
			GuildID:        inv.GuildID,
			VoiceChannelID: voice,
			TextChannelID:  text,
			Origin:         session.OriginCommand,
		}); err != nil {
			return Reply{}, err
		}
		return Reply{Content: fmt.Sprintf("<#%s> に接続しました。読み上げ先は <#%s> です。", voice, text)}, nil
	}

	// The rebind goes first: a denied rebind must leave the voice channel alone.
	var notes []string
	if current.TextChannelID != text {
		if _, err := s.sessions.RebindText(inv.GuildID, text, session.OriginCommand); err != nil {
			return Reply{}, err
		}
		notes = append(notes, fmt.Sprintf("読み上げ先を <#%s> に設定しました。", text))
	}
	if current.VoiceChannelID != voice {
		if _, err := s.sessions.Move(ctx, inv.GuildID, voice); err != nil {
			if len(notes) == 0 {
				return Reply{}, err
			}
			s.log.Warn("join move failed after rebind",
				slog.String("guild_id", inv.GuildID),
				slog.String("voice_channel_id", voice),
				slogError(err),
			)
			notes = append(notes, errorText(err))
			return Reply{Content: strings.Join(notes, "\n"), Ephemeral: true}, nil
		}
		notes = append(notes, fmt.Sprintf("<#%s> に移動しました。", voice))
	}
	if len(notes) == 0 {
		return Reply{Content: fmt.Sprintf("既に <#%s> に接続しています。", voice), Ephemeral: true}, nil
	}
	return Reply{Content: strings.Join(notes, "\n")}, nil
}

func (s *Service) Leave(ctx context.Context, inv Invocation) (Reply, error) {
	if _, ok := s.sessions.Lookup(inv.GuildID); !ok {
		return Reply{Content: "現在、ボイスチャンネルに接続していません。", Ephemeral: true}, nil
	}
	if err := s.sessions.Disconnect(ctx, inv.GuildID); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "ボイスチャンネルから切断しました。"}, nil
}

func (s *Service) Move(ctx context.Context, inv Invocation) (Reply, error) {
	voice := inv.Options["voice_channel"]
	if voice == "" {
		voice = inv.UserVoiceChannelID
	}
	if voice == "" {
		return Reply{}, usage("移動先のボイスチャンネルを指定してください。")
	}
	info, err := s.sessions.Move(ctx, inv.GuildID, voice)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("<#%s> に移動しました。", info.VoiceChannelID)}, nil
}

// RegisterAutoJoin stores the guild's auto-join binding. The text channel
// defaults to the voice channel's own chat.
func (s *Service) RegisterAutoJoin(ctx context.Context, inv Invocation) (Reply, error) {
	voice := inv.Options["voice_channel"]
	if voice == "" {
		return Reply{}, usage("ボイスチャンネルが指定されていません。")
	}
	text := inv.Options["text_channel"]
	if text == "" {
		text = voice
	}
	if err := s.settings.PutBinding(ctx, configstore.Binding{GuildID: inv.GuildID, VoiceChannelID: voice, TextChannelID: text}); err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("自動入室チャンネルを <#%s> に設定しました。読み上げ先は <#%s> です。", voice, text)}, nil
}

func (s *Service) UnregisterAutoJoin(ctx context.Context, inv Invocation) (Reply, error) {
	existed, err := s.settings.DeleteBinding(ctx, inv.GuildID)
	if err != nil {
		return Reply{}, err
	}
	if !existed {
		return Reply{Content: "このサーバーには登録された自動接続設定がありません。", Ephemeral: true}, nil
	}
	return Reply{Content: "自動接続設定を解除しました。"}, nil
}

func (s *Service) SetSpeaker(ctx context.Context, inv Invocation) (Reply, error) {
	id, err := strconv.Atoi(strings.TrimSpace(inv.Options["speaker"]))
	if err != nil {
		return Reply{}, usage("話者IDは整数で指定してください。")
	}
	label := strconv.Itoa(id)
	if s.catalog != nil {
		info, found, known := s.catalog.Style(id)
		if known && !found {
			return Reply{}, usage("話者ID %d は音声エンジンに存在しません。", id)
		}
		if found {
			label = fmt.Sprintf("%s - %s", info.SpeakerName, info.StyleName)
		}
	}
	if err := s.settings.PutSpeaker(ctx, inv.GuildID, id); err != nil {
		return Reply{}, err
	}
	s.sessions.UpdateVoice(inv.GuildID, &id, nil)
	return Reply{Content: fmt.Sprintf("話者を「%s」に設定しました。", label)}, nil
}

func (s *Service) SetVoiceParam(ctx context.Context, inv Invocation) (Reply, error) {
	p, err := synthesis.ParseParam(inv.Options["param"])
	if err != nil {
		return Reply{}, usage("不明なパラメータです。")
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(inv.Options["value"]), 64)
	if err != nil {
		return Reply{}, usage("値は数値で指定してください。")
	}
	if err := p.Validate(value); err != nil {
		lo, hi := p.Range()
		return Reply{}, usage("%sは %g から %g の間で設定してください。", paramLabels[p], lo, hi)
	}
	if err := s.settings.PutVoiceParam(ctx, inv.GuildID, p, value); err != nil {
		return Reply{}, err
	}
	params, err := s.settings.GetVoiceParams(ctx, inv.GuildID)
	if err != nil {
		params = nil
		if info, ok := s.sessions.Lookup(inv.GuildID); ok {
			params = info.Params.Clone()
			params[p] = value
		}
	}
	if params != nil {
		s.sessions.UpdateVoice(inv.GuildID, nil, params)
	}
	return Reply{Content: fmt.Sprintf("%sを %g に設定しました。", paramLabels[p], value)}, nil
}

func (s *Service) ResetVoice(ctx context.Context, inv Invocation) (Reply, error) {
	if err := s.settings.ResetVoice(ctx, inv.GuildID); err != nil {
		return Reply{}, err
	}
	speaker := s.opts.DefaultSpeaker
	s.sessions.UpdateVoice(inv.GuildID, &speaker, synthesis.Params{})
	return Reply{Content: "声の設定を初期値に戻しました。"}, nil
}

func (s *Service) AddWord(ctx context.Context, inv Invocation) (Reply, error) {
	w, err := wordFrom(inv)
	if err != nil {
		return Reply{}, err
	}
	saved, err := s.words.Add(ctx, inv.GuildID, w)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("単語 '%s' の読みを '%s', アクセント '%d', 品詞 '%s' で登録しました。",
		saved.Surface, saved.Pronunciation, saved.AccentType, saved.WordType)}, nil
}

func (s *Service) EditWord(ctx context.Context, inv Invocation) (Reply, error) {
	w, err := wordFrom(inv)
	if err != nil {
		return Reply{}, err
	}
	saved, err := s.words.Edit(ctx, inv.GuildID, w)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("単語 '%s' の読みを '%s', アクセント '%d', 品詞 '%s' に編集しました。",
		saved.Surface, saved.Pronunciation, saved.AccentType, saved.WordType)}, nil
}

func (s *Service) RemoveWord(ctx context.Context, inv Invocation) (Reply, error) {
	surface := strings.TrimSpace(inv.Options["surface"])
	if err := s.words.Remove(ctx, inv.GuildID, surface); err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("単語 '%s' を辞書から削除しました。", surface)}, nil
}

func (s *Service) ListWords(ctx context.Context, inv Invocation) (Reply, error) {
	page := 1
	if raw := strings.TrimSpace(inv.Options["page"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Reply{}, usage("ページは1以上の整数で指定してください。")
		}
		page = n
	}
	result, err := s.words.List(ctx, inv.GuildID, page, s.opts.WordsPageSize)
	if err != nil {
		return Reply{}, err
	}
	if result.Total == 0 {
		return Reply{Content: "辞書に単語が登録されていません。", Ephemeral: true}, nil
	}
	if len(result.Words) == 0 {
		return Reply{}, usage("ページ %d はありません (全 %d ページ)。", page, result.Pages)
	}
	var b strings.Builder
	b.WriteString("辞書の単語一覧\n")
	for _, w := range result.Words {
		fmt.Fprintf(&b, "%s: %s, アクセント: %d, 品詞: %s\n", w.Surface, w.Pronunciation, w.AccentType, w.WordType)
	}
	fmt.Fprintf(&b, "ページ %d/%d (合計: %d単語)", result.Page, result.Pages, result.Total)
	return Reply{Content: b.String()}, nil
}

func (s *Service) Skip(_ context.Context, inv Invocation) (Reply, error) {
	if !s.lanes.Interrupt(inv.GuildID) {
		return Reply{Content: "読み上げ中のメッセージはありません。", Ephemeral: true}, nil
	}
	return Reply{Content: "読み上げをスキップしました。"}, nil
}

// Queue reports or clears the guild's pending utterances.
func (s *Service) Queue(_ context.Context, inv Invocation) (Reply, error) {
	switch inv.Options["action"] {
	case "", QueueStatus:
		st, ok := s.lanes.Status(inv.GuildID)
		if !ok {
			return Reply{Content: "現在、ボイスチャンネルに接続していません。", Ephemeral: true}, nil
		}
		playing := "いいえ"
		if st.Active {
			playing = "はい"
		}
		return Reply{Content: fmt.Sprintf("待機中のメッセージ: %d件\n読み上げ中: %s", st.Pending, playing), Ephemeral: true}, nil
	case QueueClear:
		if _, ok := s.lanes.Status(inv.GuildID); !ok {
			return Reply{Content: "現在、ボイスチャンネルに接続していません。", Ephemeral: true}, nil
		}
		n := s.lanes.Clear(inv.GuildID)
		return Reply{Content: fmt.Sprintf("読み上げキューをクリアしました。%d件のメッセージを削除しました。", n), Ephemeral: true}, nil
	}
	return Reply{}, usage("不明な操作です。")
}

// JoinLeave toggles member join and leave announcements for the guild.
func (s *Service) JoinLeave(ctx context.Context, inv Invocation) (Reply, error) {
	var enabled bool
	switch inv.Options["action"] {
	case ToggleOn:
		enabled = true
	case ToggleOff:
	default:
		return Reply{}, usage("on または off を指定してください。")
	}
	if err := s.settings.PutJoinLeave(ctx, inv.GuildID, enabled); err != nil {
		return Reply{}, err
	}
	if enabled {
		return Reply{Content: "入退室の読み上げを有効にしました。", Ephemeral: true}, nil
	}
	return Reply{Content: "入退室の読み上げを無効にしました。", Ephemeral: true}, nil
}

// Speak reads the given text aloud in the guild's voice channel.
func (s *Service) Speak(_ context.Context, inv Invocation) (Reply, error) {
	text := strings.TrimSpace(inv.Options["text"])
	if text == "" {
		return Reply{}, usage("読み上げるテキストを指定してください。")
	}
	if err := s.sessions.Speak(inv.GuildID, text); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "読み上げキューに追加しました。", Ephemeral: true}, nil
}

func (s *Service) Status(_ context.Context, inv Invocation) (Reply, error) {
	info, ok := s.sessions.Lookup(inv.GuildID)
	if !ok {
		return Reply{Content: "現在、ボイスチャンネルに接続していません。", Ephemeral: true}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "状態: %s\n", info.State)
	fmt.Fprintf(&b, "ボイスチャンネル: <#%s>\n", info.VoiceChannelID)
	fmt.Fprintf(&b, "読み上げ先: <#%s>\n", info.TextChannelID)
	fmt.Fprintf(&b, "話者: %d\n", info.Speaker)
	for _, p := range synthesis.AllParams() {
		fmt.Fprintf(&b, "%s: %g\n", paramLabels[p], info.Params.Resolve(p))
	}
	if st, ok := s.lanes.Status(inv.GuildID); ok {
		fmt.Fprintf(&b, "待機中: %d件", st.Pending)
		if st.Active {
			b.WriteString(" (読み上げ中)")
		}
	}
	return Reply{Content: strings.TrimRight(b.String(), "\n"), Ephemeral: true}, nil
}

func wordFrom(inv Invocation) (configstore.Word, error) {
	w := configstore.Word{
		Surface:       inv.Options["surface"],
		Pronunciation: inv.Options["pronunciation"],
		WordType:      strings.ToUpper(strings.TrimSpace(inv.Options["word_type"])),
	}
	if raw := strings.TrimSpace(inv.Options["accent_type"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return configstore.Word{}, usage("アクセントは整数で指定してください。")
		}
		w.AccentType = n
	}
	return w, nil
}
