package command

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/dictionary"
	"github.com/loqalabs/loqa-relay/internal/session"
)

// UsageError carries a message meant for the invoking user as is.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

func usage(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// errorText turns an operation failure into a user-facing message.
func errorText(err error) string {
	var (
		usageErr   *UsageError
		occupied   *session.ChannelOccupiedError
		connectErr *session.BackendConnectError
		notConn    *session.NotConnectedError
		invalid    *session.InvalidTransitionError
		denied     *session.RebindDeniedError
		dictErr    *dictionary.BackendError
		storeErr   *configstore.Error
	)
	switch {
	case errors.As(err, &usageErr):
		return usageErr.Message
	case errors.As(err, &occupied):
		return fmt.Sprintf("<#%s> は既に別の読み上げセッションが使用しています。", occupied.ChannelID)
	case errors.As(err, &connectErr):
		return "ボイスチャンネルへの接続に失敗しました。"
	case errors.As(err, &notConn):
		return "現在、ボイスチャンネルに接続していません。"
	case errors.As(err, &invalid):
		return fmt.Sprintf("現在の状態 (%s) ではこの操作を実行できません。", invalid.From)
	case errors.As(err, &denied):
		return "自動接続されたセッションのテキストチャンネルは変更できません。"
	case errors.Is(err, dictionary.ErrWordNotFound):
		return "その単語は登録されていません。"
	case errors.Is(err, dictionary.ErrEmptySurface):
		return "単語を指定してください。"
	case errors.Is(err, dictionary.ErrInvalidPronunciation):
		return "読みはカタカナで指定してください。"
	case errors.Is(err, dictionary.ErrInvalidWordType):
		return "品詞が正しくありません。"
	case errors.Is(err, dictionary.ErrInvalidAccent):
		return "アクセントは0以上で指定してください。"
	case errors.As(err, &dictErr):
		return "音声エンジンの辞書を更新できませんでした。"
	case errors.As(err, &storeErr):
		return "設定の保存に失敗しました。"
	default:
		return "コマンドの実行に失敗しました。"
	}
}
