package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// Kademlia implements an in-memory Kademlia-style DHT used to stand in for
// the host P2P transport's distributed hash table. It stores values
// locally, tracks peer IDs in 160 binary distance buckets, and supports the
// validator/selector/validateUpdate registration contract the group store
// components rely on.
type Kademlia struct {
	id      NodeID
	buckets [160][]NodeID

	mu         sync.RWMutex
	store      map[string][]byte   // current accepted value per key
	replicas   map[string][][]byte // raw candidate copies seen for a key, newest last
	validators []registeredValidator
	selectors  []registeredSelector
}

type registeredValidator struct {
	prefix string
	v      Validator
}

type registeredSelector struct {
	prefix string
	s      Selector
}

// Validator gatekeeps writes to a DHT key namespace. Validate is invoked
// synchronously for every incoming PUT before storage; ValidateUpdate is
// invoked when a record already exists for the key.
type Validator interface {
	Validate(key string, value []byte) error
	ValidateUpdate(key string, existing, incoming []byte) error
}

// Selector picks among multiple candidate values seen for the same key,
// e.g. when several peers hold diverging copies of a record.
type Selector interface {
	Select(key string, values [][]byte) (int, error)
}

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// NewKademlia creates a new Kademlia instance bound to the given node ID.
func NewKademlia(id NodeID) *Kademlia {
	return &Kademlia{
		id:       id,
		store:    make(map[string][]byte),
		replicas: make(map[string][][]byte),
	}
}

// AddPeer inserts a peer into the appropriate distance bucket.
func (k *Kademlia) AddPeer(id NodeID) {
	if id == k.id {
		return
	}
	idx := k.bucketIndex(id)
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.buckets[idx]
	for _, p := range list {
		if p == id {
			return
		}
	}
	k.buckets[idx] = append(list, id)
}

// PeerCount returns the total number of peers tracked across all buckets.
func (k *Kademlia) PeerCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n := 0
	for _, b := range k.buckets {
		n += len(b)
	}
	return n
}

// RegisterValidator registers v for every key beginning with prefix.
// Longer, more specific prefixes take precedence over shorter ones.
func (k *Kademlia) RegisterValidator(prefix string, v Validator) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.validators = append(k.validators, registeredValidator{prefix, v})
	sort.Slice(k.validators, func(i, j int) bool {
		return len(k.validators[i].prefix) > len(k.validators[j].prefix)
	})
}

// RegisterSelector registers s for every key beginning with prefix.
func (k *Kademlia) RegisterSelector(prefix string, s Selector) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.selectors = append(k.selectors, registeredSelector{prefix, s})
	sort.Slice(k.selectors, func(i, j int) bool {
		return len(k.selectors[i].prefix) > len(k.selectors[j].prefix)
	})
}

func (k *Kademlia) validatorFor(key string) Validator {
	for _, rv := range k.validators {
		if strings.HasPrefix(key, rv.prefix) {
			return rv.v
		}
	}
	return nil
}

func (k *Kademlia) selectorFor(key string) Selector {
	for _, rs := range k.selectors {
		if strings.HasPrefix(key, rs.prefix) {
			return rs.s
		}
	}
	return nil
}

// PutQueryEventKind classifies an event observed while iterating a PUT's
// query stream (spec §4.2).
type PutQueryEventKind int

const (
	// PeerResponse indicates a peer accepted and stored the value.
	PeerResponse PutQueryEventKind = iota
	// QueryError indicates a peer could not be reached or rejected the query.
	QueryError
)

// PutQueryEvent is one observation in a PUT's query event stream.
type PutQueryEvent struct {
	Kind PutQueryEventKind
	Peer NodeID
	Err  error
}

// ErrValidationFailed wraps a validator rejection.
var ErrValidationFailed = errors.New("dht: validation failed")

// ErrStaleRecord is returned by ValidateUpdate when an incoming record is
// not newer than what is already stored.
var ErrStaleRecord = errors.New("stale record rejected")

// PutValue runs the registered validator (and, if a record already exists,
// ValidateUpdate) for key, then — if accepted — stores the value and
// returns a channel of put-query events, one per currently known peer,
// simulating the host DHT's fan-out. Callers consume the event channel
// with PutAndAwait/PutJSONValue (core/dht_putter.go) to decide success.
func (k *Kademlia) PutValue(ctx context.Context, key string, value []byte) (<-chan PutQueryEvent, error) {
	k.mu.Lock()
	if v := k.validatorFor(key); v != nil {
		if err := v.Validate(key, value); err != nil {
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		if existing, ok := k.store[key]; ok {
			if err := v.ValidateUpdate(key, existing, value); err != nil {
				k.mu.Unlock()
				return nil, err
			}
		}
	}
	k.store[key] = append([]byte(nil), value...)
	reps := append(k.replicas[key], append([]byte(nil), value...))
	const maxReplicas = 8
	if len(reps) > maxReplicas {
		reps = reps[len(reps)-maxReplicas:]
	}
	k.replicas[key] = reps

	peers := make([]NodeID, 0)
	for _, b := range k.buckets {
		peers = append(peers, b...)
	}
	k.mu.Unlock()

	out := make(chan PutQueryEvent, len(peers))
	for _, p := range peers {
		select {
		case <-ctx.Done():
		default:
		}
		out <- PutQueryEvent{Kind: PeerResponse, Peer: p}
	}
	close(out)
	return out, nil
}

// GetValue retrieves the value for key. If a Selector is registered for
// key's namespace and more than one candidate replica has been seen, it
// resolves among them via Selector.Select (spec §4.1's "given N candidate
// gzipped records ... pick the one maximizing (version, last_updated)")
// rather than returning whichever replica happened to land last.
func (k *Kademlia) GetValue(key string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if sel := k.selectorFor(key); sel != nil {
		if reps := k.candidatesLocked(key); len(reps) > 0 {
			if idx, err := sel.Select(key, reps); err == nil && idx >= 0 && idx < len(reps) {
				return reps[idx], true
			}
		}
	}

	val, ok := k.store[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), val...), true
}

// candidatesLocked returns copies of the raw candidate replicas seen for
// key. Callers must hold k.mu.
func (k *Kademlia) candidatesLocked(key string) [][]byte {
	reps := k.replicas[key]
	out := make([][]byte, len(reps))
	for i, r := range reps {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

// Candidates returns the raw candidate copies seen for key, for use with a
// registered Selector.
func (k *Kademlia) Candidates(key string) [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.candidatesLocked(key)
}

// Store is a low-level, unvalidated write for callers (e.g. the CLI's
// kademlia store command) that want to seed local state without going
// through PutValue's validation and event machinery.
func (k *Kademlia) Store(key string, value []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.store[key] = append([]byte(nil), value...)
}

// Lookup retrieves a value by key. It returns the value and true if present.
func (k *Kademlia) Lookup(key string) ([]byte, bool) {
	return k.GetValue(key)
}

// Nearest returns up to count peer IDs with XOR distance closest to target.
func (k *Kademlia) Nearest(target NodeID, count int) []NodeID {
	idx := k.bucketIndex(target)
	k.mu.RLock()
	defer k.mu.RUnlock()
	peers := make([]NodeID, 0, count)
	for i := idx; i < len(k.buckets) && len(peers) < count; i++ {
		peers = append(peers, k.buckets[i]...)
	}
	sort.Slice(peers, func(i, j int) bool {
		di := k.distance(peers[i], target)
		dj := k.distance(peers[j], target)
		return di.Cmp(dj) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func (k *Kademlia) bucketIndex(id NodeID) int {
	a := hash160([]byte(k.id))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (k *Kademlia) distance(a NodeID, b NodeID) *big.Int {
	aa := hash160([]byte(a))
	bb := hash160([]byte(b))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = aa[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}
