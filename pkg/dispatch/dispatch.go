// Package dispatch routes inbound application payloads to persistent
// store operations and shapes the reply envelopes the delivery layer
// sends back downstream.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-ccs/pkg/devicecache"
	"github.com/illmade-knight/go-ccs/pkg/eventstore"
	"github.com/rs/zerolog"
)

// The action vocabulary is a wire compatibility surface shared with the
// client facade; these strings must not change.
const (
	ActionCreateEvent         = "createEvent"
	ActionCreateUser          = "createUser"
	ActionUpdatePosition      = "updatePosition"
	ActionAddUserToEvent      = "addUserToEvent"
	ActionRemoveUserToEvent   = "removeUserToEvent"
	ActionUpdateEvent         = "updateEvent"
	ActionUpdateUser          = "updateUser"
	ActionGetAllEventsOwned   = "getAllEventsOwned"
	ActionGetAllEventsGuested = "getAllEventsGuested"
	ActionGetAllUsers         = "getAllUsers"

	ReplyEventID       = "receivedEventId"
	ReplyUserPosition  = "receivedUserPosition"
	ReplyEventsOwned   = "receivedEventsOwned"
	ReplyEventsGuested = "receivedEventsGuested"
	ReplyUsers         = "receivedUsers"
)

// ActionKey is the payload field consumed for routing; the store layer
// never sees it.
const ActionKey = "action"

var (
	// ErrUnknownAction is returned for payloads whose action has no
	// registered handler. The frame is still acknowledged upstream.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingAction is returned for payloads with no action field at all.
	ErrMissingAction = errors.New("payload has no action field")
)

// Reply is one downstream envelope the dispatcher wants sent: the reply
// action, its fields, and the device address to deliver it to.
type Reply struct {
	To     string
	Action string
	Fields map[string]string
}

// HandlerFunc processes one action's payload fields (action key already
// removed) and returns zero or more replies.
type HandlerFunc func(ctx context.Context, from string, fields map[string]string) ([]Reply, error)

// Invalidator is implemented by device caches that can drop a stale
// owner-device entry when event membership changes.
type Invalidator interface {
	Invalidate(ctx context.Context, eventID string) error
}

// Dispatcher holds the registered action table. The table is validated
// at construction against the documented vocabulary, so an unknown
// action at runtime is a data-driven lookup miss rather than a silent
// default branch.
type Dispatcher struct {
	store    eventstore.Store
	devices  devicecache.DeviceFetcher
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

// Vocabulary lists every action the dispatcher must serve.
func Vocabulary() []string {
	return []string{
		ActionCreateEvent,
		ActionCreateUser,
		ActionUpdatePosition,
		ActionAddUserToEvent,
		ActionRemoveUserToEvent,
		ActionUpdateEvent,
		ActionUpdateUser,
		ActionGetAllEventsOwned,
		ActionGetAllEventsGuested,
		ActionGetAllUsers,
	}
}

// NewDispatcher builds the action table over a store and a device
// fetcher and verifies it covers the full vocabulary.
func NewDispatcher(store eventstore.Store, devices devicecache.DeviceFetcher, logger zerolog.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("dispatcher requires a store")
	}
	if devices == nil {
		devices = devicecache.NewStoreFetcher(store)
	}

	d := &Dispatcher{
		store:   store,
		devices: devices,
		logger:  logger.With().Str("component", "Dispatcher").Logger(),
	}
	d.handlers = map[string]HandlerFunc{
		ActionCreateEvent:         d.createEvent,
		ActionCreateUser:          d.createUser,
		ActionUpdatePosition:      d.updatePosition,
		ActionAddUserToEvent:      d.addUserToEvent,
		ActionRemoveUserToEvent:   d.removeUserToEvent,
		ActionUpdateEvent:         d.updateEvent,
		ActionUpdateUser:          d.updateUser,
		ActionGetAllEventsOwned:   d.getAllEventsOwned,
		ActionGetAllEventsGuested: d.getAllEventsGuested,
		ActionGetAllUsers:         d.getAllUsers,
	}

	for _, action := range Vocabulary() {
		if _, ok := d.handlers[action]; !ok {
			return nil, fmt.Errorf("action table is missing handler for %q", action)
		}
	}
	if len(d.handlers) != len(Vocabulary()) {
		return nil, fmt.Errorf("action table has %d handlers for a vocabulary of %d", len(d.handlers), len(Vocabulary()))
	}
	return d, nil
}

// Dispatch looks up the payload's action and runs its handler. The
// caller acknowledges the inbound frame regardless of the outcome here;
// errors only suppress replies.
func (d *Dispatcher) Dispatch(ctx context.Context, from string, payload map[string]string) ([]Reply, error) {
	action, ok := payload[ActionKey]
	if !ok || action == "" {
		d.logger.Warn().Str("from", from).Msg("Payload carries no action, nothing to do.")
		return nil, ErrMissingAction
	}

	handler, ok := d.handlers[action]
	if !ok {
		d.logger.Warn().Str("from", from).Str("action", action).Msg("Unknown action.")
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	// The routing key is consumed here; the store layer only ever sees
	// application fields.
	fields := make(map[string]string, len(payload)-1)
	for k, v := range payload {
		if k != ActionKey {
			fields[k] = v
		}
	}

	d.logger.Debug().Str("from", from).Str("action", action).Msg("Dispatching action.")
	return handler(ctx, from, fields)
}

func (d *Dispatcher) createEvent(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	echoed, err := d.store.CreateEvent(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("createEvent: %w", err)
	}
	if len(echoed) == 0 {
		d.logger.Warn().Str("from", from).Msg("Store returned no event record, suppressing reply.")
		return nil, nil
	}
	return []Reply{{To: from, Action: ReplyEventID, Fields: echoed}}, nil
}

func (d *Dispatcher) createUser(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	fields[eventstore.FieldDevice] = from
	if err := d.store.CreateUser(ctx, fields); err != nil {
		return nil, fmt.Errorf("createUser: %w", err)
	}
	return nil, nil
}

// updatePosition is the one multi-step fan-out operation: persist the
// position, resolve the event's owner devices, re-fetch the user's
// public fields, and address one reply per owner. Per-address delivery
// failure is the delivery layer's concern, not ours.
func (d *Dispatcher) updatePosition(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	eventID := fields[eventstore.FieldEventID]
	delete(fields, eventstore.FieldEventID)
	userID := fields[eventstore.FieldUserID]
	lat := fields[eventstore.FieldLat]
	lng := fields[eventstore.FieldLng]

	if err := d.store.UpdatePosition(ctx, userID, lat, lng); err != nil {
		return nil, fmt.Errorf("updatePosition: %w", err)
	}

	devices, err := d.devices.OwnerDevices(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("updatePosition resolve owners: %w", err)
	}
	if len(devices) == 0 {
		d.logger.Debug().Str("event_id", eventID).Msg("Event has no reachable owners, nothing to fan out.")
		return nil, nil
	}

	user, err := d.store.User(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("updatePosition fetch user: %w", err)
	}
	// The stored device address is internal, it never travels back out.
	delete(user, eventstore.FieldDevice)
	user[eventstore.FieldLat] = lat
	user[eventstore.FieldLng] = lng

	replies := make([]Reply, 0, len(devices))
	for _, device := range devices {
		replies = append(replies, Reply{To: device, Action: ReplyUserPosition, Fields: user})
	}
	return replies, nil
}

func (d *Dispatcher) addUserToEvent(ctx context.Context, _ string, fields map[string]string) ([]Reply, error) {
	eventID := fields[eventstore.FieldEventID]
	userID := fields[eventstore.FieldUserID]
	if err := d.store.AddUserToEvent(ctx, eventID, userID); err != nil {
		return nil, fmt.Errorf("addUserToEvent: %w", err)
	}
	d.invalidateDevices(ctx, eventID)
	return nil, nil
}

func (d *Dispatcher) removeUserToEvent(ctx context.Context, _ string, fields map[string]string) ([]Reply, error) {
	eventID := fields[eventstore.FieldEventID]
	userID := fields[eventstore.FieldUserID]
	if err := d.store.RemoveUserFromEvent(ctx, eventID, userID); err != nil {
		return nil, fmt.Errorf("removeUserToEvent: %w", err)
	}
	d.invalidateDevices(ctx, eventID)
	return nil, nil
}

func (d *Dispatcher) updateEvent(ctx context.Context, _ string, fields map[string]string) ([]Reply, error) {
	eventID := fields[eventstore.FieldEventID]
	delete(fields, eventstore.FieldEventID)
	if err := d.store.UpdateEvent(ctx, eventID, fields); err != nil {
		return nil, fmt.Errorf("updateEvent: %w", err)
	}
	// Ownership may have changed with the update.
	d.invalidateDevices(ctx, eventID)
	return nil, nil
}

func (d *Dispatcher) updateUser(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	fields[eventstore.FieldDevice] = from
	userID := fields[eventstore.FieldUserID]
	if err := d.store.UpdateUser(ctx, userID, fields); err != nil {
		return nil, fmt.Errorf("updateUser: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) getAllEventsOwned(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	events, err := d.store.EventsOwnedBy(ctx, fields[eventstore.FieldUserID])
	if err != nil {
		return nil, fmt.Errorf("getAllEventsOwned: %w", err)
	}
	return d.listReply(from, ReplyEventsOwned, "events", events)
}

func (d *Dispatcher) getAllEventsGuested(ctx context.Context, from string, fields map[string]string) ([]Reply, error) {
	events, err := d.store.EventsGuestedBy(ctx, fields[eventstore.FieldUserID])
	if err != nil {
		return nil, fmt.Errorf("getAllEventsGuested: %w", err)
	}
	return d.listReply(from, ReplyEventsGuested, "events", events)
}

func (d *Dispatcher) getAllUsers(ctx context.Context, from string, _ map[string]string) ([]Reply, error) {
	users, err := d.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("getAllUsers: %w", err)
	}
	return d.listReply(from, ReplyUsers, "users", users)
}

// listReply embeds a query result list as a JSON-encoded field, keeping
// the wire payload a flat string map. An empty result suppresses the
// reply rather than sending an envelope with nothing in it.
func (d *Dispatcher) listReply(to, action, key string, list []map[string]string) ([]Reply, error) {
	if len(list) == 0 {
		d.logger.Debug().Str("reply_action", action).Msg("Query returned no records, suppressing reply.")
		return nil, nil
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode %s reply: %w", action, err)
	}
	return []Reply{{To: to, Action: action, Fields: map[string]string{key: string(encoded)}}}, nil
}

func (d *Dispatcher) invalidateDevices(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if inv, ok := d.devices.(Invalidator); ok {
		if err := inv.Invalidate(ctx, eventID); err != nil {
			d.logger.Warn().Err(err).Str("event_id", eventID).Msg("Failed to invalidate device cache entry.")
		}
	}
}
