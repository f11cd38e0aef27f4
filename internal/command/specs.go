package command

import "github.com/loqalabs/loqa-relay/internal/synthesis"

// OptionType is the kind of value a command option carries.
type OptionType int

const (
	OptionString OptionType = iota
	OptionInteger
	OptionNumber
	OptionVoiceChannel
	OptionTextChannel
)

type OptionSpec struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
	Choices     []string
	Min, Max    *float64
}

// Spec describes one slash command.
type Spec struct {
	Name        string
	Description string
	Options     []OptionSpec
}

const (
	CmdJoin               = "join"
	CmdLeave              = "leave"
	CmdMove               = "move"
	CmdRegisterAutoJoin   = "register_auto_join"
	CmdUnregisterAutoJoin = "unregister_auto_join"
	CmdSetSpeaker         = "set_speaker"
	CmdSetVoiceParam      = "set_voice_param"
	CmdResetVoice         = "reset_voice"
	CmdAddWord            = "add_word"
	CmdEditWord           = "edit_word"
	CmdRemoveWord         = "remove_word"
	CmdListWords          = "list_words"
	CmdSkip               = "skip"
	CmdQueue              = "queue"
	CmdJoinLeave          = "joinleave"
	CmdSpeak              = "speak"
	CmdStatus             = "status"
)

// Option values for the queue and joinleave commands.
const (
	QueueStatus = "status"
	QueueClear  = "clear"
	ToggleOn    = "on"
	ToggleOff   = "off"
)

var paramLabels = map[synthesis.Param]string{
	synthesis.ParamVolume:        "音量",
	synthesis.ParamPitch:         "音高",
	synthesis.ParamRate:          "間の長さ",
	synthesis.ParamSpeed:         "話速",
	synthesis.ParamStyleStrength: "スタイル強度",
	synthesis.ParamTempo:         "テンポの緩急",
}

// paramCommand is the dedicated command name for a voice parameter.
func paramCommand(p synthesis.Param) string {
	return "set_" + string(p)
}

func voiceOption(required bool) OptionSpec {
	return OptionSpec{Name: "voice_channel", Description: "ボイスチャンネル", Type: OptionVoiceChannel, Required: required}
}

func textOption() OptionSpec {
	return OptionSpec{Name: "text_channel", Description: "読み上げるテキストチャンネル", Type: OptionTextChannel}
}

func wordOptions(required bool) []OptionSpec {
	zero := 0.0
	return []OptionSpec{
		{Name: "surface", Description: "単語", Type: OptionString, Required: true},
		{Name: "pronunciation", Description: "読み (カタカナ)", Type: OptionString, Required: required},
		{Name: "accent_type", Description: "アクセント核の位置", Type: OptionInteger, Min: &zero},
		{Name: "word_type", Description: "品詞", Type: OptionString, Choices: synthesis.WordTypes},
	}
}

// Specs lists every command the relay registers.
func Specs() []Spec {
	paramNames := make([]string, 0, len(paramLabels))
	for _, p := range synthesis.AllParams() {
		paramNames = append(paramNames, string(p))
	}
	one := 1.0
	specs := []Spec{
		{Name: CmdJoin, Description: "BOTをボイスチャンネルに参加させます", Options: []OptionSpec{voiceOption(false), textOption()}},
		{Name: CmdLeave, Description: "BOTをボイスチャンネルから退出させます"},
		{Name: CmdMove, Description: "BOTを別のボイスチャンネルに移動させます", Options: []OptionSpec{voiceOption(false)}},
		{Name: CmdRegisterAutoJoin, Description: "自動参加チャンネルを登録します", Options: []OptionSpec{voiceOption(true), textOption()}},
		{Name: CmdUnregisterAutoJoin, Description: "自動参加チャンネルの登録を解除します"},
		{Name: CmdSetSpeaker, Description: "読み上げの話者を設定します", Options: []OptionSpec{
			{Name: "speaker", Description: "話者スタイルID", Type: OptionInteger, Required: true},
		}},
		{Name: CmdSetVoiceParam, Description: "声のパラメータを設定します", Options: []OptionSpec{
			{Name: "param", Description: "パラメータ", Type: OptionString, Required: true, Choices: paramNames},
			{Name: "value", Description: "値", Type: OptionNumber, Required: true},
		}},
		{Name: CmdResetVoice, Description: "声の設定を初期値に戻します"},
		{Name: CmdAddWord, Description: "辞書に単語を登録します", Options: wordOptions(true)},
		{Name: CmdEditWord, Description: "辞書の単語を編集します", Options: wordOptions(true)},
		{Name: CmdRemoveWord, Description: "辞書から単語を削除します", Options: []OptionSpec{
			{Name: "surface", Description: "単語", Type: OptionString, Required: true},
		}},
		{Name: CmdListWords, Description: "登録されている単語を表示します", Options: []OptionSpec{
			{Name: "page", Description: "ページ", Type: OptionInteger, Min: &one},
		}},
		{Name: CmdSkip, Description: "読み上げ中のメッセージをスキップします"},
		{Name: CmdQueue, Description: "読み上げキューを管理します", Options: []OptionSpec{
			{Name: "action", Description: "操作", Type: OptionString, Choices: []string{QueueStatus, QueueClear}},
		}},
		{Name: CmdJoinLeave, Description: "入退室の読み上げをオンまたはオフにします", Options: []OptionSpec{
			{Name: "action", Description: "オンまたはオフ", Type: OptionString, Required: true, Choices: []string{ToggleOn, ToggleOff}},
		}},
		{Name: CmdSpeak, Description: "テキストを読み上げます", Options: []OptionSpec{
			{Name: "text", Description: "読み上げるテキスト", Type: OptionString, Required: true},
		}},
		{Name: CmdStatus, Description: "接続状態を表示します"},
	}
	for _, p := range synthesis.AllParams() {
		lo, hi := p.Range()
		specs = append(specs, Spec{
			Name:        paramCommand(p),
			Description: paramLabels[p] + "を設定します",
			Options: []OptionSpec{
				{Name: "value", Description: "値", Type: OptionNumber, Required: true, Min: &lo, Max: &hi},
			},
		})
	}
	return specs
}
