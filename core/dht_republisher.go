package core

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var republishLog = logrus.WithField("component", "dht-republisher")

type trackedRecord struct {
	keyBytes      []byte
	raw           []byte
	lastPublished time.Time
}

// DHTRepublisher periodically re-puts a tracked set of (key, value) records
// on a jittered interval so they survive the host DHT's record expiry
// (spec §4.3). Scheduling uses a single timer, matching the teacher's
// connection-pool reaper: one goroutine, a running flag, and a stop channel
// rather than a ticker that can fire after Stop.
type DHTRepublisher struct {
	dht      *Kademlia
	interval time.Duration
	jitter   time.Duration

	mu      sync.Mutex
	records map[string]*trackedRecord
	running bool
	timer   *time.Timer
	stopCh  chan struct{}
}

// NewDHTRepublisher creates a republisher bound to dht, re-putting tracked
// records roughly every interval ± jitter.
func NewDHTRepublisher(dht *Kademlia, interval, jitter time.Duration) *DHTRepublisher {
	return &DHTRepublisher{
		dht:      dht,
		interval: interval,
		jitter:   jitter,
		records:  make(map[string]*trackedRecord),
	}
}

// Track begins tracking key_str for periodic republish.
func (r *DHTRepublisher) Track(keyStr string, keyBytes, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[keyStr] = &trackedRecord{keyBytes: append([]byte(nil), keyBytes...), raw: append([]byte(nil), raw...)}
}

// Untrack stops tracking key_str.
func (r *DHTRepublisher) Untrack(keyStr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, keyStr)
}

// UpdateBytes replaces the tracked raw bytes for key_str, if tracked.
func (r *DHTRepublisher) UpdateBytes(keyStr string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[keyStr]; ok {
		rec.raw = append([]byte(nil), raw...)
	}
}

// TrackedCount reports how many records are currently tracked.
func (r *DHTRepublisher) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *DHTRepublisher) nextDelay() time.Duration {
	j := int64(r.jitter)
	if j <= 0 {
		return r.interval
	}
	offset := rand.Int63n(2*j+1) - j
	d := int64(r.interval) + offset
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Start schedules the first republish tick if not already running.
func (r *DHTRepublisher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.scheduleLocked()
}

func (r *DHTRepublisher) scheduleLocked() {
	stopCh := r.stopCh
	r.timer = time.AfterFunc(r.nextDelay(), func() {
		select {
		case <-stopCh:
			return
		default:
		}
		r.RepublishAll()
		r.mu.Lock()
		if r.running {
			r.scheduleLocked()
		}
		r.mu.Unlock()
	})
}

// Stop clears the current timer and flips the running flag. An in-flight
// RepublishAll call, if any, finishes naturally; no new tick is scheduled.
func (r *DHTRepublisher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.stopCh)
}

// RepublishAll sequentially re-puts every tracked record, recording
// last_published_at and logging per-key failures but continuing.
func (r *DHTRepublisher) RepublishAll() {
	r.mu.Lock()
	snapshot := make(map[string]*trackedRecord, len(r.records))
	for k, v := range r.records {
		snapshot[k] = v
	}
	r.mu.Unlock()

	ctx := context.Background()
	for keyStr, rec := range snapshot {
		if err := PutAndAwait(ctx, r.dht, keyStr, rec.raw); err != nil {
			republishLog.Warnf("republish %s failed: %v", keyStr, err)
			continue
		}
		r.mu.Lock()
		if cur, ok := r.records[keyStr]; ok {
			cur.lastPublished = time.Now()
		}
		r.mu.Unlock()
	}
}
