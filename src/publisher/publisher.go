package publisher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/resonate-fm/pulse/src/bridge"
	"github.com/resonate-fm/pulse/src/protocol"
	"github.com/resonate-fm/pulse/src/registry"
)

// SnapshotSource supplies the initial-state snapshot for a user. It is the
// persistence side's collaborator; the realtime layer never queries storage
// directly.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (protocol.InitialStatePayload, error)
}

// Publisher is the server-side API for producing typed events and routing
// them to the live connections of their target users. Delivery is
// best-effort, at-most-once: offline recipients and full send buffers are
// silent drops, never errors.
type Publisher struct {
	reg       *registry.Registry
	relay     bridge.Relay
	snapshots SnapshotSource
	logger    zerolog.Logger

	// onDelivery, when set, observes per-publish delivered/dropped counts.
	onDelivery func(delivered, dropped int)
}

// New creates a publisher over the given registry.
func New(reg *registry.Registry, logger zerolog.Logger) *Publisher {
	return &Publisher{
		reg:    reg,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// SetRelay attaches a cross-instance relay. Published events are forwarded
// so users connected to other instances receive them too.
func (p *Publisher) SetRelay(r bridge.Relay) { p.relay = r }

// SetSnapshotSource attaches the initial-state collaborator. Without one,
// clients still receive an empty snapshot after authenticating.
func (p *Publisher) SetSnapshotSource(s SnapshotSource) { p.snapshots = s }

// SetDeliveryHook installs an observer for delivery counts.
func (p *Publisher) SetDeliveryHook(f func(delivered, dropped int)) { p.onDelivery = f }

// Publish builds an envelope of the given type and fans it out to every
// live connection of every target user. The only error is a payload that
// cannot be serialized.
func (p *Publisher) Publish(t protocol.Type, payload any, targetUserIDs ...string) error {
	env, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	p.forwardToRelay(targetUserIDs, env)
	p.BroadcastLocal(targetUserIDs, env)
	return nil
}

// BroadcastLocal delivers an envelope to this instance's connections only.
// It is the relay's entry point; events arriving from other instances must
// not be re-published, or they would loop.
func (p *Publisher) BroadcastLocal(targetUserIDs []string, env protocol.Envelope) {
	delivered, dropped := p.reg.Broadcast(targetUserIDs, env)
	if p.onDelivery != nil {
		p.onDelivery(delivered, dropped)
	}
	if delivered == 0 && dropped == 0 {
		p.logger.Debug().
			Str("type", string(env.Type)).
			Int("targets", len(targetUserIDs)).
			Msg("no live recipients, event dropped")
	}
}

func (p *Publisher) forwardToRelay(targetUserIDs []string, env protocol.Envelope) {
	if p.relay == nil || !p.relay.Available() {
		return
	}
	if err := p.relay.Publish(targetUserIDs, env); err != nil {
		p.logger.Error().Err(err).Str("type", string(env.Type)).Msg("relay publish failed")
	}
}

// Notify publishes a notification. The message field is surfaced verbatim
// in the client UI; it is part of the client contract, not debug metadata.
func (p *Publisher) Notify(message string, data map[string]any, targetUserIDs ...string) error {
	return p.Publish(protocol.TypeNotification, protocol.NotificationPayload{
		Message: message,
		Data:    data,
		At:      time.Now(),
	}, targetUserIDs...)
}

// Activity publishes an activity-feed entry.
func (p *Publisher) Activity(payload protocol.ActivityPayload, targetUserIDs ...string) error {
	if payload.At.IsZero() {
		payload.At = time.Now()
	}
	return p.Publish(protocol.TypeActivity, payload, targetUserIDs...)
}

// PlaylistChanged signals that clients must treat their cached view of the
// playlist as stale and re-fetch. It carries no playlist contents.
func (p *Publisher) PlaylistChanged(playlistID string, targetUserIDs ...string) error {
	return p.Publish(protocol.TypePlaylistUpdate, protocol.PlaylistUpdatePayload{
		PlaylistID: playlistID,
	}, targetUserIDs...)
}

// Invite publishes a messenger invite to a single recipient.
func (p *Publisher) Invite(fromUserID, fromUsername, conversationID, targetUserID string) error {
	return p.Publish(protocol.TypeMessengerInvite, protocol.MessengerInvitePayload{
		FromUserID:     fromUserID,
		FromUsername:   fromUsername,
		ConversationID: conversationID,
	}, targetUserID)
}

// SendInitialState sends the one-time snapshot to a freshly authenticated
// connection, so the client resynchronizes without a REST round-trip. It is
// sent even when no snapshot source is attached.
func (p *Publisher) SendInitialState(ctx context.Context, c *registry.Connection) error {
	snapshot := protocol.InitialStatePayload{
		Notifications: []protocol.NotificationPayload{},
		Activity:      []protocol.ActivityPayload{},
	}
	if p.snapshots != nil {
		snap, err := p.snapshots.Snapshot(ctx, c.UserID)
		if err != nil {
			p.logger.Error().Err(err).
				Str("user_id", c.UserID).
				Msg("snapshot fetch failed, sending empty initial state")
		} else {
			snapshot = snap
		}
	}

	env, err := protocol.New(protocol.TypeInitialState, snapshot)
	if err != nil {
		return err
	}
	if !p.reg.Send(c, env) {
		p.logger.Warn().
			Str("conn_id", c.ID).
			Str("user_id", c.UserID).
			Msg("initial state dropped, send buffer full")
	}
	return nil
}
