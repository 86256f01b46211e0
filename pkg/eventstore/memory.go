package eventstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for unit tests and local runs. It
// mirrors the Firestore layout: users keyed by userId, events keyed by a
// generated id with owner and guest membership lists.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]map[string]string
	events map[string]map[string]string
	nextID int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]map[string]string),
		events: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, fields map[string]string) error {
	userID := fields[FieldUserID]
	if userID == "" {
		return fmt.Errorf("createUser requires a %s field", FieldUserID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = cloneFields(fields)
	return nil
}

func (s *MemoryStore) CreateEvent(_ context.Context, fields map[string]string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "event-" + strconv.Itoa(s.nextID)

	stored := cloneFields(fields)
	stored[FieldDocID] = id
	s.events[id] = stored

	echoed := cloneFields(fields)
	echoed[FieldDocID] = id
	return echoed, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, userID, lat, lng string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	user[FieldLat] = lat
	user[FieldLng] = lng
	return nil
}

func (s *MemoryStore) AddUserToEvent(_ context.Context, eventID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	event[FieldGuests] = addMember(event[FieldGuests], userID)
	return nil
}

func (s *MemoryStore) RemoveUserFromEvent(_ context.Context, eventID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	event[FieldGuests] = removeMember(event[FieldGuests], userID)
	return nil
}

func (s *MemoryStore) UpdateEvent(_ context.Context, eventID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	for k, v := range fields {
		event[k] = v
	}
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, userID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	for k, v := range fields {
		user[k] = v
	}
	return nil
}

func (s *MemoryStore) User(_ context.Context, userID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return cloneFields(user), nil
}

func (s *MemoryStore) Users(_ context.Context) ([]map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]map[string]string, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, cloneFields(u))
	}
	return users, nil
}

func (s *MemoryStore) EventsOwnedBy(_ context.Context, userID string) ([]map[string]string, error) {
	return s.eventsWithMember(FieldOwners, userID), nil
}

func (s *MemoryStore) EventsGuestedBy(_ context.Context, userID string) ([]map[string]string, error) {
	return s.eventsWithMember(FieldGuests, userID), nil
}

func (s *MemoryStore) OwnerDevices(_ context.Context, eventID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	var devices []string
	for _, ownerID := range splitMembers(event[FieldOwners]) {
		if user, ok := s.users[ownerID]; ok && user[FieldDevice] != "" {
			devices = append(devices, user[FieldDevice])
		}
	}
	return devices, nil
}

func (s *MemoryStore) eventsWithMember(field, userID string) []map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []map[string]string
	for _, event := range s.events {
		for _, member := range splitMembers(event[field]) {
			if member == userID {
				events = append(events, cloneFields(event))
				break
			}
		}
	}
	return events
}

func cloneFields(fields map[string]string) map[string]string {
	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone
}

func addMember(raw, member string) string {
	members := splitMembers(raw)
	for _, m := range members {
		if m == member {
			return raw
		}
	}
	return strings.Join(append(members, member), ",")
}

func removeMember(raw, member string) string {
	members := splitMembers(raw)
	kept := members[:0]
	for _, m := range members {
		if m != member {
			kept = append(kept, m)
		}
	}
	return strings.Join(kept, ",")
}

var _ Store = (*MemoryStore)(nil)
