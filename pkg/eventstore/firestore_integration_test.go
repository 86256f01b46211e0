//go:build integration

package eventstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-ccs/pkg/eventstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a Firestore emulator, e.g.:
//
//	gcloud emulators firestore start --host-port=localhost:8080
//	FIRESTORE_EMULATOR_HOST=localhost:8080 go test -tags=integration ./pkg/eventstore/...
func TestFirestoreStore_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &eventstore.FirestoreConfig{
		ProjectID:        projectID,
		UsersCollection:  "users-it",
		EventsCollection: "events-it",
	}
	store, err := eventstore.NewFirestoreStore(cfg, client, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.CreateUser(ctx, map[string]string{
		"userId": "u-1", "firstname": "A", "device": "device-1",
	}))
	require.NoError(t, store.CreateUser(ctx, map[string]string{
		"userId": "u-2", "firstname": "B", "device": "device-2",
	}))

	event, err := store.CreateEvent(ctx, map[string]string{
		"name": "picnic", "ownersId": "u-1,u-2",
	})
	require.NoError(t, err)
	eventID := event["_id"]
	require.NotEmpty(t, eventID)

	t.Run("OwnerDevices", func(t *testing.T) {
		devices, err := store.OwnerDevices(ctx, eventID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"device-1", "device-2"}, devices)
	})

	t.Run("EventsOwnedBy", func(t *testing.T) {
		owned, err := store.EventsOwnedBy(ctx, "u-1")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, eventID, owned[0]["_id"])
		assert.Equal(t, "u-1,u-2", owned[0]["ownersId"])
	})

	t.Run("GuestMembership", func(t *testing.T) {
		require.NoError(t, store.AddUserToEvent(ctx, eventID, "u-2"))
		guested, err := store.EventsGuestedBy(ctx, "u-2")
		require.NoError(t, err)
		require.Len(t, guested, 1)

		require.NoError(t, store.RemoveUserFromEvent(ctx, eventID, "u-2"))
		guested, err = store.EventsGuestedBy(ctx, "u-2")
		require.NoError(t, err)
		assert.Empty(t, guested)
	})

	t.Run("UpdatePosition", func(t *testing.T) {
		require.NoError(t, store.UpdatePosition(ctx, "u-1", "48.8566", "2.3522"))
		user, err := store.User(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "48.8566", user["lat"])
		assert.Equal(t, "2.3522", user["lng"])
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.User(ctx, "u-missing")
		assert.ErrorIs(t, err, eventstore.ErrNotFound)
		_, err = store.OwnerDevices(ctx, "event-missing")
		assert.ErrorIs(t, err, eventstore.ErrNotFound)
	})
}
