package server

import (
	"sync"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/storage"
)

// Consensus replicates entries and reports the cluster shape. Submit assigns
// the entry its log position; callers wait for the apply engine to reach it.
type Consensus interface {
	Submit(e *protocol.Entry) (int64, error)
	IsLeader() bool
	Leader() model.MemberID
	Term() int64
	Members() []model.Member
}

// LocalConsensus is the single-node implementation: the local log is the
// replicated log and this node is always the leader.
type LocalConsensus struct {
	mu      sync.Mutex
	log     storage.Log
	cluster *model.ClusterView
	self    model.MemberID
}

func NewLocalConsensus(lg storage.Log, cluster *model.ClusterView, self model.MemberID) (*LocalConsensus, error) {
	if err := cluster.SetLeader(self, cluster.Term()+1); err != nil {
		return nil, err
	}
	return &LocalConsensus{log: lg, cluster: cluster, self: self}, nil
}

func (c *LocalConsensus) Submit(e *protocol.Entry) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	appended := c.log.Append(c.cluster.Term(), e)
	return appended.Index, nil
}

func (c *LocalConsensus) IsLeader() bool { return true }

func (c *LocalConsensus) Leader() model.MemberID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.cluster.Leader(); ok {
		return m.ID
	}
	return ""
}

func (c *LocalConsensus) Term() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cluster.Term()
}

func (c *LocalConsensus) Members() []model.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cluster.Members()
}
