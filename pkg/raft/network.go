package raft

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/collectionstore/core/pkg/dserrors"
)

// PeerTransport is what a Network dispatches RPCs through for one peer
// — typically a thin gRPC/HTTP client, supplied by the embedder. Kept
// separate from the package's own Transport interface so retry/backoff/
// partition bookkeeping lives in one place (Network) regardless of wire
// protocol, per spec §4.7's "dispatches typed RPCs" framing.
type PeerTransport interface {
	RequestVote(peer NodeID, args RequestVoteArgs, timeout time.Duration) (*RequestVoteReply, error)
	AppendEntries(peer NodeID, args AppendEntriesArgs, timeout time.Duration) (*AppendEntriesReply, error)
}

// NetworkOptions configures request timeouts, retry backoff, and
// partition detection. There is no separate connection timeout option;
// partition recovery is driven by PartitionRecoveryProbe, the interval
// at which partitioned peers are probed.
type NetworkOptions struct {
	RequestTimeout        time.Duration
	MaxRetries            int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	PartitionThreshold    int // consecutive failures before a peer is marked partitioned
	PartitionRecoveryProbe time.Duration
}

// DefaultNetworkOptions returns the spec's suggested defaults.
func DefaultNetworkOptions() NetworkOptions {
	return NetworkOptions{
		RequestTimeout:         100 * time.Millisecond,
		MaxRetries:             3,
		RetryBaseDelay:         10 * time.Millisecond,
		RetryMaxDelay:          200 * time.Millisecond,
		PartitionThreshold:     3,
		PartitionRecoveryProbe: time.Second,
	}
}

type peerState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	partitioned         bool
}

// Network implements Transport over a PeerTransport, adding
// per-request timeouts, exponential-backoff retries, and partition
// detection/recovery, per spec §4.7's Raft Network Layer. Grounded on
// the teacher's general retry-with-backoff discipline applied here to
// peer RPCs instead of storage I/O, and on the example pack's
// prometheus gauge-per-peer metrics style (cuemby-warren's
// RaftPeers/RaftLeader gauges) generalized to per-peer failure
// counters.
type Network struct {
	opts      NetworkOptions
	transport PeerTransport
	metrics   *Metrics
	cluster   *ClusterInfo

	mu    sync.Mutex
	peers map[NodeID]*peerState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNetwork builds a Network and starts its background partition-probe
// loop. Call Stop to halt the loop.
func NewNetwork(opts NetworkOptions, transport PeerTransport, metrics *Metrics, cluster *ClusterInfo) *Network {
	net := &Network{
		opts:      opts,
		transport: transport,
		metrics:   metrics,
		cluster:   cluster,
		peers:     make(map[NodeID]*peerState),
		stopCh:    make(chan struct{}),
	}
	for _, p := range cluster.Peers {
		net.peers[p] = &peerState{}
	}
	go net.probeLoop()
	return net
}

// Stop halts the background partition probe loop.
func (net *Network) Stop() {
	net.stopOnce.Do(func() { close(net.stopCh) })
}

func (net *Network) stateFor(peer NodeID) *peerState {
	net.mu.Lock()
	defer net.mu.Unlock()
	st, ok := net.peers[peer]
	if !ok {
		st = &peerState{}
		net.peers[peer] = st
	}
	return st
}

// IsPartitioned reports whether peer has been marked unreachable after
// PartitionThreshold consecutive failures.
func (net *Network) IsPartitioned(peer NodeID) bool {
	st := net.stateFor(peer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.partitioned
}

// HasQuorum reports whether enough peers are reachable (not
// partitioned), including self, to satisfy the cluster's quorum size.
func (net *Network) HasQuorum() bool {
	reachable := 1 // self
	for _, p := range net.cluster.Peers {
		if !net.IsPartitioned(p) {
			reachable++
		}
	}
	return reachable >= net.cluster.QuorumSize()
}

func (net *Network) recordResult(peer NodeID, rpc string, err error) {
	st := net.stateFor(peer)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err == nil {
		if st.partitioned {
			log.Info().Str("peer", string(peer)).Msg("raft: peer recovered from partition")
		}
		st.consecutiveFailures = 0
		st.partitioned = false
		return
	}

	if net.metrics != nil {
		net.metrics.RPCFailures.WithLabelValues(string(peer), rpc).Inc()
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= net.opts.PartitionThreshold && !st.partitioned {
		st.partitioned = true
		log.Warn().Str("peer", string(peer)).Int("failures", st.consecutiveFailures).Msg("raft: peer marked partitioned")
	}
	if net.metrics != nil {
		if !net.HasQuorum() {
			net.metrics.Partitioned.Set(1)
		} else {
			net.metrics.Partitioned.Set(0)
		}
	}
}

func (net *Network) backoffDelay(attempt int) time.Duration {
	delay := net.opts.RetryBaseDelay << uint(attempt)
	if delay > net.opts.RetryMaxDelay || delay <= 0 {
		delay = net.opts.RetryMaxDelay
	}
	return delay
}

// SendRequestVote dispatches a RequestVote RPC with retry/backoff.
func (net *Network) SendRequestVote(peer NodeID, args RequestVoteArgs) (*RequestVoteReply, error) {
	var lastErr error
	for attempt := 0; attempt <= net.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(net.backoffDelay(attempt - 1))
		}
		reply, err := net.transport.RequestVote(peer, args, net.opts.RequestTimeout)
		if err == nil {
			net.recordResult(peer, "RequestVote", nil)
			return reply, nil
		}
		lastErr = err
	}
	net.recordResult(peer, "RequestVote", lastErr)
	return nil, dserrors.Wrapf(lastErr, "raft: RequestVote to %s failed after %d attempts", peer, net.opts.MaxRetries+1)
}

// SendAppendEntries dispatches an AppendEntries RPC with retry/backoff.
func (net *Network) SendAppendEntries(peer NodeID, args AppendEntriesArgs) (*AppendEntriesReply, error) {
	var lastErr error
	for attempt := 0; attempt <= net.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(net.backoffDelay(attempt - 1))
		}
		reply, err := net.transport.AppendEntries(peer, args, net.opts.RequestTimeout)
		if err == nil {
			net.recordResult(peer, "AppendEntries", nil)
			return reply, nil
		}
		lastErr = err
	}
	net.recordResult(peer, "AppendEntries", lastErr)
	return nil, dserrors.Wrapf(lastErr, "raft: AppendEntries to %s failed after %d attempts", peer, net.opts.MaxRetries+1)
}

// probeLoop periodically sends a no-op AppendEntries (heartbeat shape)
// to every partitioned peer so a healed link clears its partitioned
// flag even without new log traffic to drive retries.
func (net *Network) probeLoop() {
	ticker := time.NewTicker(net.opts.PartitionRecoveryProbe)
	defer ticker.Stop()
	for {
		select {
		case <-net.stopCh:
			return
		case <-ticker.C:
			net.probePartitionedPeers()
		}
	}
}

func (net *Network) probePartitionedPeers() {
	net.mu.Lock()
	var toProbe []NodeID
	for id, st := range net.peers {
		st.mu.Lock()
		if st.partitioned {
			toProbe = append(toProbe, id)
		}
		st.mu.Unlock()
	}
	net.mu.Unlock()

	for _, peer := range toProbe {
		_, err := net.transport.AppendEntries(peer, AppendEntriesArgs{}, net.opts.RequestTimeout)
		net.recordResult(peer, "AppendEntries", err)
	}
}
