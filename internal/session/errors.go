package session

import "fmt"

// ChannelOccupiedError means another session already owns the voice channel.
type ChannelOccupiedError struct {
	ChannelID    string
	OwnerGuildID string
}

func (e *ChannelOccupiedError) Error() string {
	return fmt.Sprintf("voice channel %s is already in use by guild %s", e.ChannelID, e.OwnerGuildID)
}

// BackendConnectError wraps a voice transport failure.
type BackendConnectError struct {
	Op        string
	GuildID   string
	ChannelID string
	Err       error
}

func (e *BackendConnectError) Error() string {
	return fmt.Sprintf("voice %s for guild %s channel %s failed: %v", e.Op, e.GuildID, e.ChannelID, e.Err)
}

func (e *BackendConnectError) Unwrap() error { return e.Err }

// NotConnectedError means the operation needs a connected session.
type NotConnectedError struct {
	GuildID string
	State   State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("guild %s is not connected (state %s)", e.GuildID, e.State)
}

// InvalidTransitionError rejects an operation the current state does not allow.
type InvalidTransitionError struct {
	GuildID string
	From    State
	Op      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s guild %s while %s", e.Op, e.GuildID, e.From)
}

// RebindDeniedError rejects a text channel rebind across origins.
type RebindDeniedError struct {
	GuildID string
	Origin  Origin
}

func (e *RebindDeniedError) Error() string {
	return fmt.Sprintf("guild %s session was opened by %s and cannot be rebound", e.GuildID, e.Origin)
}
