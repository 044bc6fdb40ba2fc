package telegram

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"
)

var (
	// ErrUnauthorized means the stored session is no longer valid.
	ErrUnauthorized = errors.New("session not authorized")
	// ErrNotJoined means the chat exists but the session must join it first.
	ErrNotJoined = errors.New("chat not joined")
)

// Kind identifies one class of remote-service failure. The values mirror the
// platform's RPC error types so logs line up with what the service returned.
type Kind string

const (
	KindFloodWait          Kind = "FLOOD_WAIT"
	KindPeerFlood          Kind = "PEER_FLOOD"
	KindPrivacyRestricted  Kind = "USER_PRIVACY_RESTRICTED"
	KindAlreadyParticipant Kind = "USER_ALREADY_PARTICIPANT"
	KindUserBlocked        Kind = "USER_BLOCKED"
	KindUserDeactivated    Kind = "INPUT_USER_DEACTIVATED"
	KindChannelPrivate     Kind = "CHANNEL_PRIVATE"
	KindTooManyChannels    Kind = "USER_CHANNELS_TOO_MUCH"
)

// Error is a classified remote failure. Wait is set for KindFloodWait only.
type Error struct {
	Kind Kind
	Wait time.Duration
	err  error
}

func (e *Error) Error() string {
	if e.Kind == KindFloodWait {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Wait, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// AsError extracts a classified *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// classify maps a raw RPC error onto the engine's taxonomy. Errors outside
// the taxonomy pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &Error{Kind: KindFloodWait, Wait: wait, err: err}
	}

	for _, kind := range []Kind{
		KindPeerFlood,
		KindPrivacyRestricted,
		KindAlreadyParticipant,
		KindUserBlocked,
		KindUserDeactivated,
		KindChannelPrivate,
		KindTooManyChannels,
	} {
		if tgerr.Is(err, string(kind)) {
			return &Error{Kind: kind, err: err}
		}
	}

	return err
}
