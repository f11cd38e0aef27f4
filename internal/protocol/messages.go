package protocol

import "time"

// MessageEvent is a chat message seen by the gateway.
type MessageEvent struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	MessageID   string    `json:"message_id"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	AuthorBot   bool      `json:"author_bot"`
	Content     string    `json:"content"`
	Attachments int       `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PresenceEvent is a member's voice channel change. Empty channel ids mean
// the member was not in voice on that side.
type PresenceEvent struct {
	GuildID         string    `json:"guild_id"`
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	Bot             bool      `json:"bot"`
	Self            bool      `json:"self"`
	BeforeChannelID string    `json:"before_channel_id,omitempty"`
	AfterChannelID  string    `json:"after_channel_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReadyEvent is published when the gateway session is (re)established.
type ReadyEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Guilds    []string  `json:"guilds"`
	Timestamp time.Time `json:"timestamp"`
}

// UtteranceEvent reports how a queued utterance ended.
type UtteranceEvent struct {
	GuildID     string    `json:"guild_id"`
	SessionID   string    `json:"session_id,omitempty"`
	UtteranceID string    `json:"utterance_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	Speaker     int       `json:"speaker"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionEvent reports a voice session state change.
type SessionEvent struct {
	GuildID        string    `json:"guild_id"`
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	Cause          string    `json:"cause"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	Origin         string    `json:"origin"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectGatewayMessage   = "relay.gateway.message"
	SubjectGatewayPresence  = "relay.gateway.presence"
	SubjectGatewayReady     = "relay.gateway.ready"
	SubjectUtterancePlayed  = "relay.utterance.played"
	SubjectUtteranceSkipped = "relay.utterance.skipped"
	SubjectSessionState     = "relay.session.state"
)
