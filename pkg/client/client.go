// Package client is the upstream request facade a device uses to talk
// to the application server: it shapes action payloads, stamps them
// with durable sequence ids, and hands them to the connection layer.
// It never waits for replies; responses arrive asynchronously as
// downstream messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/illmade-knight/go-ccs/pkg/dispatch"
	"github.com/illmade-knight/go-ccs/pkg/eventstore"
	"github.com/illmade-knight/go-ccs/pkg/msgid"
	"github.com/rs/zerolog"
)

// Payload field keys shared with the server-side action handlers.
const (
	FieldFirstName    = "firstName"
	FieldLastName     = "lastName"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldEventName    = "name"
	FieldDescription  = "description"
	FieldLocalization = "localization"
	FieldStartTime    = "startDateTime"
	FieldEndTime      = "endDateTime"
	FieldWeight       = "weight"
	FieldType         = "type"
	FieldCost         = "cost"
	FieldColor        = "color"
)

// Sender is the envelope-writing half of the connection manager.
type Sender interface {
	Send(ctx context.Context, env ccs.Envelope) error
}

// DeviceIdentity identifies the device this client runs on. UserID is
// carried in payloads whose actions require it; there is no ambient
// current-user state anywhere else.
type DeviceIdentity struct {
	// Address is the device's registration address on the broker.
	Address string
	// UserID is the application-level user identity.
	UserID string
}

// Validate reports whether the identity is usable.
func (d DeviceIdentity) Validate() error {
	if d.Address == "" {
		return errors.New("device identity requires an address")
	}
	if d.UserID == "" {
		return errors.New("device identity requires a user id")
	}
	return nil
}

// User carries the profile fields of a user record.
type User struct {
	FirstName string
	LastName  string
	Phone     string
	Email     string
}

// Event carries the fields of an event record.
type Event struct {
	Name         string
	Description  string
	Localization string
	Lat          float64
	Lng          float64
	StartTime    time.Time
	EndTime      time.Time
	GuestIDs     []string
	OwnerIDs     []string
	Weight       int
	Type         string
	Cost         float64
	Color        int
}

// Client builds and sends upstream request envelopes.
type Client struct {
	identity DeviceIdentity
	// serverAddress is the application server's broker address, the
	// destination of every upstream request.
	serverAddress string
	sender        Sender
	seq           msgid.Sequence
	logger        zerolog.Logger
}

// New creates a request client for one device identity.
func New(identity DeviceIdentity, serverAddress string, sender Sender, seq msgid.Sequence, logger zerolog.Logger) (*Client, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if serverAddress == "" {
		return nil, errors.New("client requires a server address")
	}
	if sender == nil {
		return nil, errors.New("client requires a sender")
	}
	if seq == nil {
		return nil, errors.New("client requires a message id sequence")
	}
	return &Client{
		identity:      identity,
		serverAddress: serverAddress,
		sender:        sender,
		seq:           seq,
		logger:        logger.With().Str("component", "RequestClient").Str("user_id", identity.UserID).Logger(),
	}, nil
}

// BuildAndSend stamps an action payload with a fresh sequence id and
// sends it to the application server. The fields map is not mutated.
func (c *Client) BuildAndSend(ctx context.Context, action string, fields map[string]string) error {
	id, err := c.seq.Next(ctx)
	if err != nil {
		return fmt.Errorf("draw message id: %w", err)
	}

	data := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data[dispatch.ActionKey] = action

	env := ccs.Envelope{
		To:        c.serverAddress,
		MessageID: strconv.FormatInt(id, 10),
		Data:      data,
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s request: %w", action, err)
	}
	c.logger.Debug().Str("action", action).Str("message_id", env.MessageID).Msg("Request sent.")
	return nil
}

// CreateUser registers this device's user with the application server.
func (c *Client) CreateUser(ctx context.Context, user User) error {
	return c.BuildAndSend(ctx, dispatch.ActionCreateUser, map[string]string{
		eventstore.FieldUserID: c.identity.UserID,
		FieldFirstName:         user.FirstName,
		FieldLastName:          user.LastName,
		FieldPhone:             user.Phone,
		FieldEmail:             user.Email,
	})
}

// CreateEvent submits a new event. The created id comes back later in a
// receivedEventId message.
func (c *Client) CreateEvent(ctx context.Context, event Event) error {
	return c.BuildAndSend(ctx, dispatch.ActionCreateEvent, c.eventFields(event))
}

// UpdatePosition reports this user's position within an event. Owners
// of the event receive the position fan-out.
func (c *Client) UpdatePosition(ctx context.Context, eventID string, lat, lng float64) error {
	return c.BuildAndSend(ctx, dispatch.ActionUpdatePosition, map[string]string{
		eventstore.FieldUserID:  c.identity.UserID,
		eventstore.FieldEventID: eventID,
		eventstore.FieldLat:     formatCoord(lat),
		eventstore.FieldLng:     formatCoord(lng),
	})
}

// AddUserToEvent attaches a user to an event's guest list.
func (c *Client) AddUserToEvent(ctx context.Context, userID, eventID string) error {
	return c.BuildAndSend(ctx, dispatch.ActionAddUserToEvent, map[string]string{
		eventstore.FieldUserID:  userID,
		eventstore.FieldEventID: eventID,
	})
}

// RemoveUserFromEvent detaches a user from an event's guest list.
func (c *Client) RemoveUserFromEvent(ctx context.Context, userID, eventID string) error {
	return c.BuildAndSend(ctx, dispatch.ActionRemoveUserToEvent, map[string]string{
		eventstore.FieldUserID:  userID,
		eventstore.FieldEventID: eventID,
	})
}

// UpdateEvent merges changed fields into an existing event.
func (c *Client) UpdateEvent(ctx context.Context, eventID string, event Event) error {
	fields := c.eventFields(event)
	fields[eventstore.FieldEventID] = eventID
	return c.BuildAndSend(ctx, dispatch.ActionUpdateEvent, fields)
}

// UpdateUser merges changed profile fields and position for this user.
func (c *Client) UpdateUser(ctx context.Context, user User, lat, lng float64) error {
	return c.BuildAndSend(ctx, dispatch.ActionUpdateUser, map[string]string{
		eventstore.FieldUserID: c.identity.UserID,
		FieldFirstName:         user.FirstName,
		FieldLastName:          user.LastName,
		FieldPhone:             user.Phone,
		FieldEmail:             user.Email,
		eventstore.FieldLat:    formatCoord(lat),
		eventstore.FieldLng:    formatCoord(lng),
	})
}

// GetAllEventsOwned asks for the events this user owns; the result
// arrives as a receivedEventsOwned message.
func (c *Client) GetAllEventsOwned(ctx context.Context) error {
	return c.BuildAndSend(ctx, dispatch.ActionGetAllEventsOwned, map[string]string{
		eventstore.FieldUserID: c.identity.UserID,
	})
}

// GetAllEventsGuested asks for the events this user is a guest of.
func (c *Client) GetAllEventsGuested(ctx context.Context) error {
	return c.BuildAndSend(ctx, dispatch.ActionGetAllEventsGuested, map[string]string{
		eventstore.FieldUserID: c.identity.UserID,
	})
}

// GetUsers asks for every registered user.
func (c *Client) GetUsers(ctx context.Context) error {
	return c.BuildAndSend(ctx, dispatch.ActionGetAllUsers, nil)
}

func (c *Client) eventFields(event Event) map[string]string {
	fields := map[string]string{
		FieldEventName:      event.Name,
		FieldDescription:    event.Description,
		FieldLocalization:   event.Localization,
		eventstore.FieldLat: formatCoord(event.Lat),
		eventstore.FieldLng: formatCoord(event.Lng),
		FieldStartTime:      strconv.FormatInt(event.StartTime.UnixMilli(), 10),
		FieldEndTime:        strconv.FormatInt(event.EndTime.UnixMilli(), 10),
		FieldWeight:         strconv.Itoa(event.Weight),
		FieldType:           event.Type,
		FieldCost:           strconv.FormatFloat(event.Cost, 'f', -1, 64),
		FieldColor:          strconv.Itoa(event.Color),
	}
	if len(event.GuestIDs) > 0 {
		fields[eventstore.FieldGuests] = strings.Join(event.GuestIDs, ",")
	}
	if len(event.OwnerIDs) > 0 {
		fields[eventstore.FieldOwners] = strings.Join(event.OwnerIDs, ",")
	}
	return fields
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
