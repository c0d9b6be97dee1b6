package broker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnPushAndDrain(t *testing.T) {
	conn := NewConn("c1", Identity{UserID: uuid.New()}, 2)

	require.NoError(t, conn.Push([]byte("a")))
	require.NoError(t, conn.Push([]byte("b")))

	assert.Equal(t, []byte("a"), <-conn.Events())
	assert.Equal(t, []byte("b"), <-conn.Events())
}

func TestConnPushFullBuffer(t *testing.T) {
	conn := NewConn("c1", Identity{UserID: uuid.New()}, 1)

	require.NoError(t, conn.Push([]byte("a")))
	err := conn.Push([]byte("b"))
	require.Error(t, err, "a saturated buffer rejects rather than blocks")
}

func TestConnCloseIsIdempotent(t *testing.T) {
	conn := NewConn("c1", Identity{UserID: uuid.New()}, 1)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())

	err := conn.Push([]byte("late"))
	require.Error(t, err)

	_, open := <-conn.Events()
	assert.False(t, open, "events channel closes with the connection")
}

func TestConnDefaultBufferSize(t *testing.T) {
	conn := NewConn("c1", Identity{UserID: uuid.New()}, 0)
	for i := 0; i < 64; i++ {
		require.NoError(t, conn.Push([]byte("x")))
	}
	require.Error(t, conn.Push([]byte("overflow")))
}
