// Package raft implements the replication layer of spec §4.7: a log
// entry/RPC type set, a persisted log manager, leader election, log
// replication, a network transport with partition detection, and a
// state machine applying committed entries to the document layer.
// Grounded on the reference consensus module in the example pack
// (divtxt's RequestVote/AppendEntries receiver logic, ClusterInfo
// quorum accounting) reshaped into the teacher's idiom: exported
// types, struct-literal config, zerolog logging, prometheus metrics.
package raft

import "fmt"

// Term is the Raft term number. 0 means "no term observed yet".
type Term uint64

// LogIndex is a 1-based index into the replicated log; 0 means empty.
type LogIndex uint64

// NodeID identifies one member of the cluster.
type NodeID string

// EntryKind enumerates what a LogEntry's Command represents, per spec
// §4.7's state machine operations.
type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryTransactionBegin
	EntryTransactionCommit
	EntryTransactionRollback
	EntryNoOp // committed on election so a new leader can advance commitIndex
)

// LogEntry is one entry in the replicated log.
type LogEntry struct {
	Index   LogIndex
	Term    Term
	Kind    EntryKind
	TxID    string // the transaction this entry belongs to, if any
	Command []byte // opaque payload the state machine knows how to decode
}

// RequestVoteArgs is the candidate's RequestVote RPC, per spec §4.7.
type RequestVoteArgs struct {
	Term         Term
	CandidateID  NodeID
	LastLogIndex LogIndex
	LastLogTerm  Term
}

// RequestVoteReply is the RequestVote RPC response.
type RequestVoteReply struct {
	Term        Term
	VoteGranted bool
}

// AppendEntriesArgs is the leader's AppendEntries RPC (also used as a
// heartbeat when Entries is empty), per spec §4.7.
type AppendEntriesArgs struct {
	Term         Term
	LeaderID     NodeID
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

// AppendEntriesReply is the AppendEntries RPC response. MatchIndex is
// only meaningful when Success is true; ConflictIndex/ConflictTerm
// accelerate nextIndex backoff on failure, per the PrevLogIndex
// conflict-search described in the paper's leader optimization.
type AppendEntriesReply struct {
	Term          Term
	Success       bool
	MatchIndex    LogIndex
	ConflictIndex LogIndex
	ConflictTerm  Term
}

// Role is a node's position in the FOLLOWER/CANDIDATE/LEADER state
// machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ClusterInfo holds every node's id and the quorum size derived from
// it, generalizing the reference implementation's ClusterInfo.
type ClusterInfo struct {
	Self  NodeID
	Peers []NodeID // excludes Self
}

// NewClusterInfo validates members (must include self, no duplicates,
// no empty ids) and returns a ClusterInfo.
func NewClusterInfo(members []NodeID, self NodeID) (*ClusterInfo, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("raft: cluster must have at least one member")
	}
	if self == "" {
		return nil, fmt.Errorf("raft: self id is empty")
	}

	seen := make(map[NodeID]bool, len(members))
	peers := make([]NodeID, 0, len(members)-1)
	found := false
	for _, id := range members {
		if id == "" {
			return nil, fmt.Errorf("raft: cluster member id is empty")
		}
		if seen[id] {
			return nil, fmt.Errorf("raft: duplicate cluster member %q", id)
		}
		seen[id] = true
		if id == self {
			found = true
			continue
		}
		peers = append(peers, id)
	}
	if !found {
		return nil, fmt.Errorf("raft: members must include self %q", self)
	}

	return &ClusterInfo{Self: self, Peers: peers}, nil
}

// ClusterSize is the total member count, including self.
func (c *ClusterInfo) ClusterSize() int { return len(c.Peers) + 1 }

// QuorumSize is the minimum number of votes (including self) needed to
// win an election or commit an entry.
func (c *ClusterInfo) QuorumSize() int { return c.ClusterSize()/2 + 1 }
