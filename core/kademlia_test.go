package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// maxByteSelector picks the candidate with the lexicographically greatest
// single-byte value, letting tests drive GetValue's selector resolution
// without depending on OfflineBucketSelector's envelope format.
type maxByteSelector struct{}

func (maxByteSelector) Select(key string, values [][]byte) (int, error) {
	best := 0
	for i, v := range values {
		if v[0] > values[best][0] {
			best = i
		}
	}
	return best, nil
}

func TestGetValueResolvesViaRegisteredSelector(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))
	dht.RegisterSelector("/picked", maxByteSelector{})

	_, err := dht.PutValue(context.Background(), "/picked/k1", []byte{1})
	require.NoError(t, err)
	_, err = dht.PutValue(context.Background(), "/picked/k1", []byte{9})
	require.NoError(t, err)
	_, err = dht.PutValue(context.Background(), "/picked/k1", []byte{5})
	require.NoError(t, err)

	// The most recent PUT ({5}) is not the winner; the selector must be
	// consulted to pick {9} out of all three candidate replicas.
	got, ok := dht.GetValue("/picked/k1")
	require.True(t, ok)
	require.Equal(t, []byte{9}, got)
}

func TestGetValueFallsBackToStoreWithoutSelector(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))

	_, err := dht.PutValue(context.Background(), "/unselected/k1", []byte("a"))
	require.NoError(t, err)
	_, err = dht.PutValue(context.Background(), "/unselected/k1", []byte("b"))
	require.NoError(t, err)

	got, ok := dht.GetValue("/unselected/k1")
	require.True(t, ok)
	require.Equal(t, []byte("b"), got)
}

func TestCandidatesReturnsAllReplicas(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))

	_, err := dht.PutValue(context.Background(), "/k1", []byte("a"))
	require.NoError(t, err)
	_, err = dht.PutValue(context.Background(), "/k1", []byte("b"))
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, dht.Candidates("/k1"))
}
