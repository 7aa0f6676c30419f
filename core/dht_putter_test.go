package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndAwaitSucceedsWithConnectedPeer(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))

	err := PutAndAwait(context.Background(), dht, "/kiyeovo-group-info/g1/latest", []byte("value"))
	require.NoError(t, err)

	got, ok := dht.GetValue("/kiyeovo-group-info/g1/latest")
	require.True(t, ok)
	require.Equal(t, []byte("value"), got)
}

func TestPutAndAwaitFailsWithZeroPeers(t *testing.T) {
	dht := NewKademlia(NodeID("self"))

	err := PutAndAwait(context.Background(), dht, "/kiyeovo-group-info/g1/latest", []byte("value"))
	require.ErrorIs(t, err, ErrPutRejected)
}

func TestPutAndAwaitPropagatesValidationFailure(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))
	dht.RegisterValidator("/reject", rejectingValidator{})

	err := PutAndAwait(context.Background(), dht, "/reject/x", []byte("value"))
	require.ErrorIs(t, err, ErrValidationFailed)
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(key string, value []byte) error {
	return errAlwaysReject
}

func (rejectingValidator) ValidateUpdate(key string, existing, incoming []byte) error {
	return nil
}

var errAlwaysReject = &rejectError{}

type rejectError struct{}

func (*rejectError) Error() string { return "always reject" }

func TestPutJSONValueSkipsPeerCheckWithNilNode(t *testing.T) {
	dht := NewKademlia(NodeID("self"))
	dht.AddPeer(NodeID("peer-1"))

	// A nil *Node is treated as "no connectivity check requested" by
	// PutJSONValue, so the put still proceeds against the DHT directly.
	err := PutJSONValue(context.Background(), nil, dht, "/kiyeovo-group-info/g1/latest", map[string]string{"a": "b"})
	require.NoError(t, err)
}
