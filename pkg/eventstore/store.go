// Package eventstore is the persistent store collaborator behind the
// action dispatcher: users and the events they own, guest or share
// positions in, held in a remote document database.
package eventstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced user or event does not exist.
var ErrNotFound = errors.New("not found")

// Store is the operation surface the dispatcher consumes. Field maps use
// the wire payload's string keys; routing keys (action, eventId) have
// already been stripped by the caller where an explicit parameter exists.
type Store interface {
	// CreateUser stores a user record keyed by its userId field. The
	// record has already been augmented with the sender's device address.
	CreateUser(ctx context.Context, fields map[string]string) error
	// CreateEvent stores a new event and returns the echoed fields plus
	// the generated id under the "_id" key.
	CreateEvent(ctx context.Context, fields map[string]string) (map[string]string, error)
	// UpdatePosition persists a user's latest position.
	UpdatePosition(ctx context.Context, userID, lat, lng string) error
	// AddUserToEvent attaches a user to an event's guest list.
	AddUserToEvent(ctx context.Context, eventID, userID string) error
	// RemoveUserFromEvent detaches a user from an event's guest list.
	RemoveUserFromEvent(ctx context.Context, eventID, userID string) error
	// UpdateEvent merges fields into an existing event record.
	UpdateEvent(ctx context.Context, eventID string, fields map[string]string) error
	// UpdateUser merges fields into an existing user record.
	UpdateUser(ctx context.Context, userID string, fields map[string]string) error
	// User returns one user's stored fields.
	User(ctx context.Context, userID string) (map[string]string, error)
	// Users returns all stored users.
	Users(ctx context.Context) ([]map[string]string, error)
	// EventsOwnedBy returns the events owned by a user.
	EventsOwnedBy(ctx context.Context, userID string) ([]map[string]string, error)
	// EventsGuestedBy returns the events a user is a guest of.
	EventsGuestedBy(ctx context.Context, userID string) ([]map[string]string, error)
	// OwnerDevices resolves the device addresses of an event's owners.
	OwnerDevices(ctx context.Context, eventID string) ([]string, error)
}

// Field keys shared between the wire payloads and the store layout.
const (
	FieldUserID  = "userId"
	FieldEventID = "eventId"
	FieldDevice  = "device"
	FieldLat     = "lat"
	FieldLng     = "lng"
	FieldOwners  = "ownersId"
	FieldGuests  = "guestsId"
	FieldDocID   = "_id"
)
