package core

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// NodeID identifies a peer in the DHT/pubsub address space. It is the
// string form of the underlying libp2p peer ID.
type NodeID string

// Peer is a known remote participant in the overlay.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
}

// Message is an inbound pubsub delivery.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Config describes how a Node joins the overlay.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node wraps a libp2p host and gossipsub router. It stands in for "the
// underlying peer-to-peer transport" that the group-messaging core treats
// as an external collaborator: a Kademlia-style DHT plus a gossip pubsub
// with subscribe/unsubscribe/publish.
type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config

	// OnPeerConnect, if set, is invoked after a new peer is registered via
	// mDNS discovery or bootstrap dialing (a "peer:connect" event in the
	// underlying pubsub contract's terms, spec §4.6).
	OnPeerConnect func(NodeID)
}

// NewNode creates and bootstraps a group-chat overlay node: a libp2p host,
// a gossipsub router, best-effort NAT traversal, and mDNS peer discovery.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	natMgr, err := NewNATManager()
	if err == nil {
		if port, err := parsePort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				logrus.Warnf("NAT map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		logrus.Warnf("NAT discovery failed: %v", err)
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("DialSeed warning: %v", err)
	}

	// mDNS discovery automatically registers n as a notifee.
	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to discovered peer.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	n.peerLock.RLock()
	_, exists := n.peers[NodeID(info.ID.String())]
	n.peerLock.RUnlock()
	if exists {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("failed to connect to discovered peer %s: %v", info.ID.String(), err)
		return
	}

	n.peerLock.Lock()
	n.peers[NodeID(info.ID.String())] = &Peer{ID: NodeID(info.ID.String()), Addr: info.String()}
	n.peerLock.Unlock()
	logrus.Infof("connected to peer %s via mDNS", info.ID.String())
	if n.OnPeerConnect != nil {
		n.OnPeerConnect(NodeID(info.ID.String()))
	}
}

// DialSeed connects to a list of bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		logrus.Infof("bootstrapped to %s", addr)
		if n.OnPeerConnect != nil {
			n.OnPeerConnect(NodeID(pi.ID.String()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Broadcast publishes data on topic, joining it first if necessary.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens for messages on a topic, joining/subscribing once per
// topic. Every call starts its own reader on that one shared subscription,
// so when several callers subscribe to the same topic each message is
// delivered to only one of their channels, not copied to all of them.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()
	out := make(chan Message)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				logrus.Warnf("subscription next error: %v", err)
				close(out)
				return
			}
			out <- Message{From: NodeID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Unsubscribe cancels a topic subscription and leaves the joined topic.
func (n *Node) Unsubscribe(topic string) {
	n.subLock.Lock()
	if sub, ok := n.subs[topic]; ok {
		sub.Cancel()
		delete(n.subs, topic)
	}
	n.subLock.Unlock()

	n.topicLock.Lock()
	if t, ok := n.topics[topic]; ok {
		_ = t.Close()
		delete(n.topics, topic)
	}
	n.topicLock.Unlock()
}

// Topics returns the set of topics currently joined.
func (n *Node) Topics() []string {
	n.topicLock.RLock()
	defer n.topicLock.RUnlock()
	out := make([]string, 0, len(n.topics))
	for t := range n.topics {
		out = append(out, t)
	}
	return out
}

// ListenAndServe blocks until context cancellation.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	logrus.Info("network node shutting down")
}

// Close tears down the node, closing host and context.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}

// Peers returns the current peer list.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// ConnectedPeerCount reports the number of live peer connections. Several
// components (§4.2, §4.5 in the design notes) short-circuit when this is
// zero rather than attempting a DHT put or ACK republish they know will
// reach nobody.
func (n *Node) ConnectedPeerCount() int {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	return len(n.peers)
}

// ID returns the node's own libp2p peer ID as a NodeID.
func (n *Node) ID() NodeID {
	return NodeID(n.host.ID().String())
}

// Dialer manages outbound peer connections for components that need a raw
// transport rather than the libp2p host (e.g. health checks).
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a new network dialer with the given settings.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to a remote TCP address and returns a net.Conn.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialer: failed to connect to %s: %w", address, err)
	}
	return conn, nil
}
