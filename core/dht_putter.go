package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var putterLog = logrus.WithField("component", "dht-putter")

// ErrNoConnectedPeers is returned by the JSON-value put helper when the
// local node has no live peer connections, short-circuiting before a put
// that could not possibly succeed.
var ErrNoConnectedPeers = errors.New("dht: no connected peers")

// ErrPutRejected is returned when a put's query stream ends without a
// single successful peer response (spec §4.2, taxonomy "Transient").
var ErrPutRejected = errors.New("dht: put rejected by all peers")

// PutAndAwait consumes a PUT's put-query event stream and reports success
// if at least one peer accepted the value. Callers own retry policy; this
// function only reports the outcome of a single attempt.
func PutAndAwait(ctx context.Context, dht *Kademlia, key string, value []byte) error {
	events, err := dht.PutValue(ctx, key, value)
	if err != nil {
		return err
	}
	accepted := 0
	errored := 0
	for ev := range events {
		switch ev.Kind {
		case PeerResponse:
			accepted++
		case QueryError:
			errored++
		}
	}
	if accepted == 0 {
		putterLog.Warnf("put %s: 0 peer responses, %d errors", key, errored)
		return ErrPutRejected
	}
	return nil
}

// PutJSONValue marshals v to JSON and puts it under key, first checking
// that the local node has at least one live peer connection (spec §4.2's
// pre-check, scoped to this JSON-value helper only).
func PutJSONValue(ctx context.Context, n *Node, dht *Kademlia, key string, v interface{}) error {
	if n != nil && n.ConnectedPeerCount() == 0 {
		return ErrNoConnectedPeers
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	return PutAndAwait(ctx, dht, key, raw)
}
