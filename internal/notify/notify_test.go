package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	c, err := NewChannel("", nil)
	require.NoError(t, err)

	sub := c.Subscribe("reminders")
	other := c.Subscribe("briefing")

	ok, err := c.Publish(Message{ID: "m1", Topic: "reminders", Body: "due"})
	require.NoError(t, err)
	assert.True(t, ok)

	got := <-sub
	assert.Equal(t, "m1", got.ID)
	assert.Empty(t, other)
}

func TestPublishIdempotentByID(t *testing.T) {
	c, err := NewChannel("", nil)
	require.NoError(t, err)

	ok, err := c.Publish(Message{ID: "dup", Topic: "t", Body: "x"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Publish(Message{ID: "dup", Topic: "t", Body: "x"})
	require.NoError(t, err)
	assert.False(t, ok, "second publish of same id must be suppressed")
}

func TestIdempotenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	c1, err := NewChannel(dir, nil)
	require.NoError(t, err)
	ok, err := c1.Publish(Message{ID: "persisted", Topic: "t", Body: "x"})
	require.NoError(t, err)
	require.True(t, ok)

	c2, err := NewChannel(dir, nil)
	require.NoError(t, err)
	ok, err = c2.Publish(Message{ID: "persisted", Topic: "t", Body: "x"})
	require.NoError(t, err)
	assert.False(t, ok, "outbox replay must suppress known ids")
}

func TestPublishAssignsID(t *testing.T) {
	c, err := NewChannel("", nil)
	require.NoError(t, err)
	sub := c.Subscribe("t")

	ok, err := c.Publish(Message{Topic: "t", Body: "x"})
	require.NoError(t, err)
	require.True(t, ok)
	got := <-sub
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
}
