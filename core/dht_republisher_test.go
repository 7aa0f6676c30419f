package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDHTRepublisherTrackUntrack(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	r := NewDHTRepublisher(dht, time.Hour, time.Minute)

	r.Track("k1", []byte("k1"), []byte("v1"))
	require.Equal(t, 1, r.TrackedCount())

	r.Untrack("k1")
	require.Equal(t, 0, r.TrackedCount())
}

func TestDHTRepublisherRepublishAllUpdatesStore(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))
	r := NewDHTRepublisher(dht, time.Hour, time.Minute)

	r.Track("/kiyeovo-group-info/g1/latest", []byte("/kiyeovo-group-info/g1/latest"), []byte("payload"))
	r.RepublishAll()

	got, ok := dht.GetValue("/kiyeovo-group-info/g1/latest")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestDHTRepublisherStopPreservesTrackedCount(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	r := NewDHTRepublisher(dht, 20*time.Millisecond, time.Millisecond)

	r.Track("k1", []byte("k1"), []byte("v1"))
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	require.Equal(t, 1, r.TrackedCount())
}

func TestDHTRepublisherNextDelayWithinJitterBounds(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	r := NewDHTRepublisher(dht, time.Minute, 10*time.Second)

	for i := 0; i < 50; i++ {
		d := r.nextDelay()
		require.GreaterOrEqual(t, d, time.Minute-10*time.Second)
		require.LessOrEqual(t, d, time.Minute+10*time.Second)
	}
}
