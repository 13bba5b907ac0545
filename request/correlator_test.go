package request

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Run("joins type and token with delimiter", func(t *testing.T) {
		id, err := NewID(QueryOldMessages, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "QueryOldMessages:abc123", id.String())
	})

	t.Run("rejects token containing delimiter", func(t *testing.T) {
		_, err := NewID(QueryMessages, "a:b")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIDParse(t *testing.T) {
	t.Run("recovers type and token", func(t *testing.T) {
		typ, token, err := ID("QueryOldMessages:abc123").Parse()
		require.NoError(t, err)
		assert.Equal(t, QueryOldMessages, typ)
		assert.Equal(t, "abc123", token)
	})

	t.Run("malformed id", func(t *testing.T) {
		_, _, err := ID("nodime").Parse()
		assert.ErrorIs(t, err, ErrInvalidID)
		_, _, err = ID(":token").Parse()
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestCorrelatorBegin(t *testing.T) {
	t.Run("registers a pending entry", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Begin(QueryMessages, "r1")
		require.NoError(t, err)
		assert.True(t, c.Pending(id))
		assert.Equal(t, 1, c.Len())
	})

	t.Run("duplicate compound key is rejected", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Begin(QueryMessages, "r1")
		require.NoError(t, err)
		_, err = c.Begin(QueryMessages, "r1")
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("same token under a different type is distinct", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Begin(QueryOldMessages, "r1")
		require.NoError(t, err)
		_, err = c.Begin(QueryNewMessages, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, c.Len())
	})
}

func TestCorrelatorAck(t *testing.T) {
	t.Run("resolve clears bookkeeping", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Begin(QueryOldMessages, "r1")
		require.NoError(t, err)
		require.NoError(t, c.Resolve(id))
		assert.False(t, c.Pending(id))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("fail clears bookkeeping", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Begin(QueryNewMessages, "r1")
		require.NoError(t, err)
		require.NoError(t, c.Fail(id, errors.New("boom")))
		assert.False(t, c.Pending(id))
	})

	t.Run("reply for unknown id", func(t *testing.T) {
		c := NewCorrelator()
		assert.ErrorIs(t, c.Resolve(ID("QueryMessages:ghost")), ErrUnknown)
		assert.ErrorIs(t, c.Fail(ID("QueryMessages:ghost"), errors.New("boom")), ErrUnknown)
	})
}

func TestCorrelatorSweep(t *testing.T) {
	t.Run("no ttl keeps entries forever", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Begin(QueryMessages, "r1")
		require.NoError(t, err)
		assert.Nil(t, c.Sweep())
		assert.Equal(t, 1, c.Len())
	})

	t.Run("expires entries older than ttl", func(t *testing.T) {
		now := time.Unix(1000, 0)
		c := NewCorrelator(WithTTL(time.Minute), withClock(func() time.Time { return now }))
		id, err := c.Begin(QueryMessages, "r1")
		require.NoError(t, err)

		now = now.Add(30 * time.Second)
		assert.Empty(t, c.Sweep())

		now = now.Add(time.Hour)
		expired := c.Sweep()
		require.Len(t, expired, 1)
		assert.Equal(t, id, expired[0])
		assert.False(t, c.Pending(id))
	})
}
