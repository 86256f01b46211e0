package eventstore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID        string
	UsersCollection  string
	EventsCollection string
}

// FirestoreStore implements Store on top of Cloud Firestore. Users are
// keyed by their userId; events use generated document ids. Owner and
// guest memberships are array fields so ownership queries stay a single
// array-contains filter.
type FirestoreStore struct {
	client *firestore.Client
	users  string
	events string
	logger zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore. The Firestore client's
// lifecycle is managed by the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	users := cfg.UsersCollection
	if users == "" {
		users = "users"
	}
	events := cfg.EventsCollection
	if events == "" {
		events = "events"
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("users", users).Str("events", events).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client: client,
		users:  users,
		events: events,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// CreateUser stores a user document keyed by its userId field.
func (s *FirestoreStore) CreateUser(ctx context.Context, fields map[string]string) error {
	userID := fields[FieldUserID]
	if userID == "" {
		return fmt.Errorf("createUser requires a %s field", FieldUserID)
	}
	_, err := s.client.Collection(s.users).Doc(userID).Set(ctx, toDocument(fields))
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create user document.")
		return fmt.Errorf("firestore set user %s: %w", userID, err)
	}
	return nil
}

// CreateEvent stores a new event document and returns the echoed fields
// plus the generated document id.
func (s *FirestoreStore) CreateEvent(ctx context.Context, fields map[string]string) (map[string]string, error) {
	ref, _, err := s.client.Collection(s.events).Add(ctx, toDocument(fields))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create event document.")
		return nil, fmt.Errorf("firestore add event: %w", err)
	}

	echoed := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		echoed[k] = v
	}
	echoed[FieldDocID] = ref.ID
	s.logger.Debug().Str("event_id", ref.ID).Msg("Event created.")
	return echoed, nil
}

// UpdatePosition merges a user's latest coordinates into their document.
func (s *FirestoreStore) UpdatePosition(ctx context.Context, userID, lat, lng string) error {
	if userID == "" {
		return fmt.Errorf("updatePosition requires a %s field", FieldUserID)
	}
	_, err := s.client.Collection(s.users).Doc(userID).Set(ctx,
		map[string]interface{}{FieldLat: lat, FieldLng: lng}, firestore.MergeAll)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("firestore update position for %s: %w", userID, err)
	}
	return nil
}

// AddUserToEvent appends the user to the event's guest array.
func (s *FirestoreStore) AddUserToEvent(ctx context.Context, eventID, userID string) error {
	_, err := s.client.Collection(s.events).Doc(eventID).Update(ctx, []firestore.Update{
		{Path: "guests", Value: firestore.ArrayUnion(userID)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return fmt.Errorf("firestore add user %s to event %s: %w", userID, eventID, err)
	}
	return nil
}

// RemoveUserFromEvent removes the user from the event's guest array.
func (s *FirestoreStore) RemoveUserFromEvent(ctx context.Context, eventID, userID string) error {
	_, err := s.client.Collection(s.events).Doc(eventID).Update(ctx, []firestore.Update{
		{Path: "guests", Value: firestore.ArrayRemove(userID)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return fmt.Errorf("firestore remove user %s from event %s: %w", userID, eventID, err)
	}
	return nil
}

// UpdateEvent merges fields into an existing event document.
func (s *FirestoreStore) UpdateEvent(ctx context.Context, eventID string, fields map[string]string) error {
	_, err := s.client.Collection(s.events).Doc(eventID).Set(ctx, toDocument(fields), firestore.MergeAll)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return fmt.Errorf("firestore update event %s: %w", eventID, err)
	}
	return nil
}

// UpdateUser merges fields into an existing user document.
func (s *FirestoreStore) UpdateUser(ctx context.Context, userID string, fields map[string]string) error {
	if userID == "" {
		return fmt.Errorf("updateUser requires a %s field", FieldUserID)
	}
	_, err := s.client.Collection(s.users).Doc(userID).Set(ctx, toDocument(fields), firestore.MergeAll)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("firestore update user %s: %w", userID, err)
	}
	return nil
}

// User fetches one user document.
func (s *FirestoreStore) User(ctx context.Context, userID string) (map[string]string, error) {
	snap, err := s.client.Collection(s.users).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("user_id", userID).Msg("User document not found.")
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("firestore get user %s: %w", userID, err)
	}
	return flattenDocument(snap.Ref.ID, snap.Data()), nil
}

// Users returns every stored user.
func (s *FirestoreStore) Users(ctx context.Context) ([]map[string]string, error) {
	return s.collectDocuments(s.client.Collection(s.users).Documents(ctx))
}

// EventsOwnedBy returns the events whose owner array contains the user.
func (s *FirestoreStore) EventsOwnedBy(ctx context.Context, userID string) ([]map[string]string, error) {
	iter := s.client.Collection(s.events).Where("owners", "array-contains", userID).Documents(ctx)
	return s.collectDocuments(iter)
}

// EventsGuestedBy returns the events whose guest array contains the user.
func (s *FirestoreStore) EventsGuestedBy(ctx context.Context, userID string) ([]map[string]string, error) {
	iter := s.client.Collection(s.events).Where("guests", "array-contains", userID).Documents(ctx)
	return s.collectDocuments(iter)
}

// OwnerDevices resolves the device address of every owner of an event.
// Owners without a stored device address are skipped.
func (s *FirestoreStore) OwnerDevices(ctx context.Context, eventID string) ([]string, error) {
	snap, err := s.client.Collection(s.events).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("firestore get event %s: %w", eventID, err)
	}

	owners, _ := snap.Data()["owners"].([]interface{})
	devices := make([]string, 0, len(owners))
	for _, owner := range owners {
		ownerID, ok := owner.(string)
		if !ok || ownerID == "" {
			continue
		}
		user, err := s.User(ctx, ownerID)
		if err != nil {
			s.logger.Warn().Err(err).Str("owner_id", ownerID).Str("event_id", eventID).Msg("Could not resolve owner, skipping.")
			continue
		}
		if device := user[FieldDevice]; device != "" {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// collectDocuments drains a query iterator into flattened field maps.
func (s *FirestoreStore) collectDocuments(iter *firestore.DocumentIterator) ([]map[string]string, error) {
	defer iter.Stop()
	var results []map[string]string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore query iteration: %w", err)
		}
		results = append(results, flattenDocument(snap.Ref.ID, snap.Data()))
	}
	return results, nil
}

// toDocument expands wire fields into a Firestore document. The comma
// separated ownersId/guestsId membership fields become array fields so
// they stay queryable with array-contains.
func toDocument(fields map[string]string) map[string]interface{} {
	doc := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case FieldOwners:
			doc["owners"] = splitMembers(v)
		case FieldGuests:
			doc["guests"] = splitMembers(v)
		default:
			doc[k] = v
		}
	}
	return doc
}

// flattenDocument converts a Firestore document back into wire string
// fields, rejoining membership arrays and attaching the document id.
func flattenDocument(id string, data map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(data)+1)
	for k, v := range data {
		switch value := v.(type) {
		case string:
			fields[k] = value
		case []interface{}:
			members := make([]string, 0, len(value))
			for _, m := range value {
				if str, ok := m.(string); ok {
					members = append(members, str)
				}
			}
			key := k
			if k == "owners" {
				key = FieldOwners
			} else if k == "guests" {
				key = FieldGuests
			}
			fields[key] = strings.Join(members, ",")
		default:
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	fields[FieldDocID] = id
	return fields
}

func splitMembers(raw string) []string {
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	members := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			members = append(members, trimmed)
		}
	}
	return members
}

var _ Store = (*FirestoreStore)(nil)
