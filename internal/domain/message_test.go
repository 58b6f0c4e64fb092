package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPartialOnlyTouchesCarriedFields(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		CreatedAt: Ptr(int64(1000)),
		Sender:    Ptr("alice"),
		Body:      Ptr("original body"),
	}

	msg.ApplyPartial(&Message{
		ID:             "m1",
		Classification: Ptr(ClassStory),
	})

	assert.Equal(t, int64(1000), *msg.CreatedAt)
	assert.Equal(t, "alice", *msg.Sender)
	assert.Equal(t, "original body", *msg.Body)
	require.NotNil(t, msg.Classification)
	assert.Equal(t, ClassStory, *msg.Classification)
}

func TestApplyPartialOverwritesCarriedFields(t *testing.T) {
	msg := &Message{ID: "m1", Body: Ptr("old"), Summary: Ptr("old summary")}

	msg.ApplyPartial(&Message{ID: "m1", Body: Ptr("new")})

	assert.Equal(t, "new", *msg.Body)
	assert.Equal(t, "old summary", *msg.Summary)
}

func TestHasUpdates(t *testing.T) {
	assert.False(t, (&Message{ID: "m1"}).HasUpdates())
	assert.True(t, (&Message{ID: "m1", ReplyID: Ptr("r1")}).HasUpdates())
	assert.True(t, (&Message{ID: "m1", Images: [][]byte{{1}}}).HasUpdates())
	assert.True(t, (&Message{ID: "m1", LockedAt: Ptr(int64(0))}).HasUpdates())
}

func TestCloneIsDeep(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		Body:      Ptr("body"),
		Summary:   Ptr("summary"),
		Images:    [][]byte{{1, 2, 3}},
		CreatedAt: Ptr(int64(42)),
	}

	c := msg.Clone()
	*c.Body = "mutated"
	c.Images[0][0] = 9
	*c.CreatedAt = 0

	assert.Equal(t, "body", *msg.Body)
	assert.Equal(t, byte(1), msg.Images[0][0])
	assert.Equal(t, int64(42), *msg.CreatedAt)
	assert.Equal(t, "summary", *c.Summary)
}

func TestCloneNilFieldsStayNil(t *testing.T) {
	c := (&Message{ID: "m1"}).Clone()
	assert.Equal(t, "m1", c.ID)
	assert.Nil(t, c.Body)
	assert.Nil(t, c.Images)
	assert.Nil(t, c.LockedAt)
}
