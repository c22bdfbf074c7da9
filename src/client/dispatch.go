package client

import (
	"github.com/rs/zerolog"

	"github.com/resonate-fm/pulse/src/protocol"
)

// Sink receives decoded events in strict arrival order. It is the only
// place message semantics are applied to local application state.
type Sink interface {
	// ApplySnapshot replaces local state with the initial-state snapshot.
	ApplySnapshot(protocol.InitialStatePayload)

	// ApplyActivity prepends one entry to the local activity feed.
	ApplyActivity(protocol.ActivityPayload)

	// ApplyNotification appends a notification for display.
	ApplyNotification(protocol.NotificationPayload)

	// InvalidatePlaylist marks the cached playlist stale; the UI re-fetches.
	InvalidatePlaylist(playlistID string)

	// ApplyInvite surfaces a messenger invite.
	ApplyInvite(protocol.MessengerInvitePayload)
}

// Dispatch applies one envelope to the sink. Unknown types are logged and
// skipped; a malformed payload is returned as an error for the caller to
// log, leaving the connection alive.
func Dispatch(env protocol.Envelope, sink Sink, logger zerolog.Logger) error {
	switch env.Type {
	case protocol.TypeInitialState:
		var p protocol.InitialStatePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		sink.ApplySnapshot(p)

	case protocol.TypeActivity:
		var p protocol.ActivityPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		sink.ApplyActivity(p)

	case protocol.TypeNotification:
		var p protocol.NotificationPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		sink.ApplyNotification(p)

	case protocol.TypePlaylistUpdate:
		var p protocol.PlaylistUpdatePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		sink.InvalidatePlaylist(p.PlaylistID)

	case protocol.TypeMessengerInvite:
		var p protocol.MessengerInvitePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		sink.ApplyInvite(p)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server error envelope")

	default:
		logger.Debug().Str("type", string(env.Type)).Msg("ignoring unknown envelope type")
	}
	return nil
}
