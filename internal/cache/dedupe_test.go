package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSeenFirstTime(t *testing.T) {
	d := NewDedupe(time.Hour)
	defer d.Close()

	first, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMarkSeenDuplicateWithinTTL(t *testing.T) {
	d := NewDedupe(time.Hour)
	defer d.Close()

	_, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)

	again, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestMarkSeenDifferentIDsAreIndependent(t *testing.T) {
	d := NewDedupe(time.Hour)
	defer d.Close()

	_, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)

	other, err := d.MarkSeen(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMarkSeenExpiredEntryIsFreshAgain(t *testing.T) {
	d := NewDedupe(10 * time.Millisecond)
	defer d.Close()

	_, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	fresh, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, fresh, "expired entry counts as first occurrence again")

	// 续期后立刻重复
	dup, err := d.MarkSeen(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestHealthAndCloseAreIdempotent(t *testing.T) {
	d := NewDedupe(time.Hour)
	assert.NoError(t, d.Health())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
