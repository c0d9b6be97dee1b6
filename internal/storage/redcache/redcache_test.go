package redcache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squadmate-gg/backend/internal/broker"
)

func TestStatsKey(t *testing.T) {
	assert.Equal(t, "queue:stats:valorant", statsKey("valorant"))
}

func TestDecodeSkipsOwnSnapshots(t *testing.T) {
	c := &Cache{instance: "self", log: zaptest.NewLogger(t)}

	own, err := json.Marshal(statsMessage{Origin: "self", Update: broker.QueueUpdate{Game: "cs2", Count: 1}})
	require.NoError(t, err)
	_, relay := c.decode(own)
	assert.False(t, relay, "an instance never relays its own snapshot")

	sibling, err := json.Marshal(statsMessage{Origin: "other", Update: broker.QueueUpdate{Game: "cs2", Count: 4}})
	require.NoError(t, err)
	update, relay := c.decode(sibling)
	assert.True(t, relay)
	assert.Equal(t, 4, update.Count)
}

func TestDecodeDropsGarbage(t *testing.T) {
	c := &Cache{instance: "self", log: zaptest.NewLogger(t)}
	_, relay := c.decode([]byte("{nope"))
	assert.False(t, relay)
}

func TestStatsMessageRoundTrip(t *testing.T) {
	in := statsMessage{
		Origin: "instance-a",
		Update: broker.QueueUpdate{Game: "valorant", Count: 7, EstimatedWaitSec: 315, AvailableProviders: 2},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out statsMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
