package postgres

import (
	"context"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activityhub/event-processor/internal/domain/projection"
	"github.com/activityhub/event-processor/internal/infra/storage"
)

func setupUserTest(t *testing.T) (context.Context, *userStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewUserStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, store, cleanup
}

func testUser() *projection.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &projection.User{
		ID:            uuid.New(),
		Email:         "ada@example.com",
		Name:          "Ada",
		Status:        "active",
		CreatedAt:     now,
		UpdatedAt:     now,
		SourceEventID: uuid.New(),
		LastEventID:   uuid.New(),
	}
}

func TestPGUserStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupUserTest(t)
	defer cleanup()

	user := testUser()
	require.NoError(t, store.Create(ctx, user))

	loaded, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, user.ID, loaded.ID)
	assert.Equal(t, user.Email, loaded.Email)
	assert.Equal(t, user.Name, loaded.Name)
	assert.Equal(t, user.Status, loaded.Status)
	assert.Equal(t, user.SourceEventID, loaded.SourceEventID)
	assert.Equal(t, user.LastEventID, loaded.LastEventID)
	assert.WithinDuration(t, user.CreatedAt, loaded.CreatedAt, time.Second)
	assert.WithinDuration(t, user.UpdatedAt, loaded.UpdatedAt, time.Second)
}

func TestPGUserStore_CreateReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupUserTest(t)
	defer cleanup()

	user := testUser()
	require.NoError(t, store.Create(ctx, user))

	replay := *user
	replay.Name = "Should not overwrite"
	require.NoError(t, store.Create(ctx, &replay))

	loaded, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", loaded.Name, "replayed create should not overwrite the existing row")
}

func TestPGUserStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupUserTest(t)
	defer cleanup()

	loaded, err := store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, projection.ErrUserNotFound)
	assert.Nil(t, loaded)
}

func TestPGUserStore_UpdateAppliesOnlyProvidedFields(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupUserTest(t)
	defer cleanup()

	user := testUser()
	require.NoError(t, store.Create(ctx, user))

	newName := "Grace"
	eventID := uuid.New()
	updatedAt := user.UpdatedAt.Add(time.Minute)
	err := store.Update(ctx, user.ID, projection.UserUpdate{
		Name:        &newName,
		LastEventID: eventID,
		UpdatedAt:   updatedAt,
	})
	require.NoError(t, err)

	loaded, err := store.Get(ctx, user.ID)
	require.NoError(t, err)

	assert.Equal(t, "Grace", loaded.Name)
	assert.Equal(t, user.Email, loaded.Email, "omitted field should keep its stored value")
	assert.Equal(t, user.Status, loaded.Status, "omitted field should keep its stored value")
	assert.Equal(t, eventID, loaded.LastEventID)
	assert.Equal(t, user.SourceEventID, loaded.SourceEventID)
	assert.WithinDuration(t, updatedAt, loaded.UpdatedAt, time.Second)
}

func TestPGUserStore_UpdateNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupUserTest(t)
	defer cleanup()

	status := "suspended"
	err := store.Update(ctx, uuid.New(), projection.UserUpdate{
		Status:      &status,
		LastEventID: uuid.New(),
		UpdatedAt:   time.Now().UTC(),
	})
	assert.ErrorIs(t, err, projection.ErrUserNotFound)
}
