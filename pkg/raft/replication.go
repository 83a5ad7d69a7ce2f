package raft

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// becomeLeader transitions to LEADER, reinitializes nextIndex/matchIndex
// for every peer (#5.3: "reinitialized after election"), appends a
// no-op entry so the new leader can advance commitIndex in its own term
// (#5.4.2), and starts the heartbeat loop.
func (n *Node) becomeLeader() {
	n.mu.Lock()
	n.role = Leader
	n.leaderID = n.cluster.Self
	last := n.log.LastIndex()
	n.nextIndex = make(map[NodeID]LogIndex, len(n.cluster.Peers))
	n.matchIndex = make(map[NodeID]LogIndex, len(n.cluster.Peers))
	for _, p := range n.cluster.Peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}
	n.mu.Unlock()

	log.Info().Str("node", string(n.cluster.Self)).Uint64("term", uint64(n.persistent.CurrentTerm())).Msg("raft: became leader")
	n.setMetricLeader(true)

	if _, err := n.log.Append(n.persistent.CurrentTerm(), EntryNoOp, "", nil); err != nil {
		log.Warn().Err(err).Msg("raft: appending no-op entry on election failed")
	}

	go n.leaderHeartbeatLoop(n.persistent.CurrentTerm())
}

// leaderHeartbeatLoop sends AppendEntries to every peer on a fixed
// interval until this node steps down from term, per #5.2's "leaders
// send periodic heartbeats ... to maintain their authority."
func (n *Node) leaderHeartbeatLoop(term Term) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	n.replicateToAllPeers(term)
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.role == Leader && n.persistent.CurrentTerm() == term
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicateToAllPeers(term)
		}
	}
}

// replicateToAllPeers sends one AppendEntries round to every peer
// concurrently and advances commitIndex once a quorum has replicated a
// given index, per #5.3/#5.4.
func (n *Node) replicateToAllPeers(term Term) {
	var wg sync.WaitGroup
	for _, peer := range n.cluster.Peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.replicateToPeer(peer, term)
		}()
	}
	wg.Wait()
	n.maybeAdvanceCommitIndex(term)
}

// replicateToPeer sends prevLogIndex+1.. to peer. On conflict nextIndex
// moves back to the follower's ConflictIndex hint when one is given,
// otherwise by one entry.
func (n *Node) replicateToPeer(peer NodeID, term Term) {
	n.mu.Lock()
	if n.role != Leader || n.persistent.CurrentTerm() != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	n.mu.Unlock()

	prevIndex := next - 1
	prevTerm := n.log.TermAt(prevIndex)
	entries := n.log.EntriesFrom(next)

	n.mu.Lock()
	leaderCommit := n.commitIndex
	n.mu.Unlock()

	args := AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.cluster.Self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}

	reply, err := n.transport.SendAppendEntries(peer, args)
	if err != nil {
		if n.metrics != nil {
			n.metrics.RPCFailures.WithLabelValues(string(peer), "AppendEntries").Inc()
		}
		return
	}
	if n.maybeStepDown(reply.Term) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.persistent.CurrentTerm() != term {
		return
	}

	if reply.Success {
		matched := prevIndex + LogIndex(len(entries))
		n.matchIndex[peer] = matched
		n.nextIndex[peer] = matched + 1
		return
	}

	// Conflict: back off nextIndex. Use the follower's conflict hint
	// when present to skip straight past the conflicting term rather
	// than retreating one entry at a time (the paper's "optimization").
	if reply.ConflictIndex > 0 {
		n.nextIndex[peer] = reply.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

// maybeAdvanceCommitIndex implements #5.3/#5.4's leader commit rule: an
// entry from the leader's current term is committed once it is stored
// on a quorum of servers.
func (n *Node) maybeAdvanceCommitIndex(term Term) {
	n.mu.Lock()
	if n.role != Leader || n.persistent.CurrentTerm() != term {
		n.mu.Unlock()
		return
	}
	last := n.log.LastIndex()
	for idx := last; idx > n.commitIndex; idx-- {
		if n.log.TermAt(idx) != term {
			continue // #5.4.2: never commit an entry from a prior term by counting replicas alone
		}
		count := 1 // self
		for _, peer := range n.cluster.Peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.cluster.QuorumSize() {
			n.commitIndex = idx
			break
		}
	}
	commitIndex := n.commitIndex
	n.mu.Unlock()

	n.applyCommitted(commitIndex)
}

// HandleAppendEntries answers an AppendEntries RPC (also used as a
// heartbeat when Entries is empty), per spec §4.7, grounded on
// divtxt/raft-consensus's _processRpc_AppendEntries receiver steps.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.maybeStepDown(args.Term)
	currentTerm := n.persistent.CurrentTerm()

	// 1. Reply false if term < currentTerm (#5.1)
	if args.Term < currentTerm {
		return AppendEntriesReply{Term: currentTerm, Success: false}
	}

	n.mu.Lock()
	n.role = Follower
	n.leaderID = args.LeaderID
	n.mu.Unlock()
	n.touchTimer()

	lastIndex := n.log.LastIndex()

	// 2. Reply false if log doesn't contain an entry at prevLogIndex
	// whose term matches prevLogTerm (#5.3)
	if args.PrevLogIndex > 0 {
		if lastIndex < args.PrevLogIndex {
			return AppendEntriesReply{Term: currentTerm, Success: false, ConflictIndex: lastIndex + 1}
		}
		existingTerm := n.log.TermAt(args.PrevLogIndex)
		if existingTerm != args.PrevLogTerm {
			conflictIndex := n.firstIndexOfTerm(existingTerm, args.PrevLogIndex)
			return AppendEntriesReply{Term: currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: existingTerm}
		}
	}

	// 3-4. Delete conflicting suffix (if any) and append new entries.
	if err := n.log.AppendReplicated(args.PrevLogIndex, args.Entries); err != nil {
		log.Error().Err(err).Msg("raft: persisting replicated entries failed")
		return AppendEntriesReply{Term: currentTerm, Success: false}
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit,
	// index of last new entry)
	newLastIndex := n.log.LastIndex()
	n.mu.Lock()
	if args.LeaderCommit > n.commitIndex {
		if args.LeaderCommit < newLastIndex {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = newLastIndex
		}
	}
	commitIndex := n.commitIndex
	n.mu.Unlock()

	n.applyCommitted(commitIndex)

	return AppendEntriesReply{Term: currentTerm, Success: true, MatchIndex: newLastIndex}
}

// firstIndexOfTerm walks backward from upTo to find the earliest entry
// sharing term, letting the leader's next AppendEntries skip its whole
// conflicting term in one round trip rather than one index at a time.
func (n *Node) firstIndexOfTerm(term Term, upTo LogIndex) LogIndex {
	idx := upTo
	for idx > 1 && n.log.TermAt(idx-1) == term {
		idx--
	}
	return idx
}

// applyCommitted applies every entry between lastApplied+1 and
// commitIndex to the state machine, in order, per #5.3's "apply to its
// state machine" rule.
func (n *Node) applyCommitted(commitIndex LogIndex) {
	n.mu.Lock()
	from := n.lastApplied + 1
	n.mu.Unlock()

	if n.applyFn == nil {
		n.mu.Lock()
		n.lastApplied = commitIndex
		n.mu.Unlock()
		return
	}

	for idx := from; idx <= commitIndex; idx++ {
		entry, ok := n.log.EntryAt(idx)
		if !ok {
			break
		}
		n.applyFn(entry)
		n.mu.Lock()
		n.lastApplied = idx
		n.mu.Unlock()
		if n.metrics != nil {
			n.metrics.AppliedIndex.Set(float64(idx))
		}
	}
	if n.metrics != nil {
		n.metrics.LogIndex.Set(float64(n.log.LastIndex()))
	}
}

// Propose appends command to the log as the leader, persists it
// locally, and sends one AppendEntries round to every peer before
// returning the entry. It does not wait for a quorum to replicate it:
// peers that miss this round catch up through the heartbeat loop, and
// commitment is observable via CommitIndex. Returns an error if this
// node is not currently the leader.
func (n *Node) Propose(kind EntryKind, txID string, command []byte) (LogEntry, error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return LogEntry{}, &notLeaderError{leader: n.leaderID}
	}
	term := n.persistent.CurrentTerm()
	n.mu.Unlock()

	entry, err := n.log.Append(term, kind, txID, command)
	if err != nil {
		return LogEntry{}, err
	}
	n.replicateToAllPeers(term)
	return entry, nil
}

type notLeaderError struct {
	leader NodeID
}

func (e *notLeaderError) Error() string {
	if e.leader == "" {
		return "raft: not leader and no leader currently known"
	}
	return "raft: not leader, current leader is " + string(e.leader)
}
