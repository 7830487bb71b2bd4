package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockerTest(t *testing.T) (*UserLocker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewUserLocker(client, time.Minute), mr
}

func TestUserLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := setupLockerTest(t)

	unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, mr.Exists(userLockKeyPrefix+"7"))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockNotAcquired))

	unlock()
	assert.False(t, mr.Exists(userLockKeyPrefix+"7"))

	unlock2, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	unlock2()
}

func TestUserLockerIndependentUsers(t *testing.T) {
	locker, _ := setupLockerTest(t)

	unlockA, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, 2)
	require.NoError(t, err)
	unlockB()
}

func TestUserLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := setupLockerTest(t)

	unlock, err := locker.Lock(context.Background(), 3)
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the key.
	require.NoError(t, mr.Set(userLockKeyPrefix+"3", "someone-else"))
	unlock()

	val, err := mr.Get(userLockKeyPrefix + "3")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
