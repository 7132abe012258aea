package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func members() []Member {
	return []Member{
		{ID: "node-1", Host: "localhost", Port: 5678, Role: RoleActive},
		{ID: "node-2", Host: "localhost", Port: 5679, Role: RoleActive},
		{ID: "node-3", Host: "localhost", Port: 5680, Role: RolePassive},
	}
}

func TestClusterViewKeepsInsertionOrder(t *testing.T) {
	v := NewClusterView(members())
	assert.Equal(t, 3, v.Size())
	got := v.Members()
	assert.Equal(t, MemberID("node-1"), got[0].ID)
	assert.Equal(t, MemberID("node-3"), got[2].ID)

	v.Add(Member{ID: "node-2", Host: "otherhost", Port: 9999, Role: RoleActive})
	assert.Equal(t, 3, v.Size(), "re-adding a member replaces it in place")
	m, ok := v.Member("node-2")
	assert.True(t, ok)
	assert.Equal(t, "otherhost:9999", m.Address())
}

func TestSetLeaderRequiresMembership(t *testing.T) {
	v := NewClusterView(members())
	assert.Error(t, v.SetLeader("node-9", 1))
	_, ok := v.Leader()
	assert.False(t, ok)

	assert.NoError(t, v.SetLeader("node-2", 3))
	leader, ok := v.Leader()
	assert.True(t, ok)
	assert.Equal(t, MemberID("node-2"), leader.ID)
	assert.Equal(t, int64(3), v.Term())
}

func TestTermNeverMovesBackwards(t *testing.T) {
	v := NewClusterView(members())
	assert.NoError(t, v.SetLeader("node-1", 5))
	assert.NoError(t, v.SetLeader("node-2", 2))
	assert.Equal(t, int64(5), v.Term())
}

func TestUpdateReplacesViewAndClearsBadLeader(t *testing.T) {
	v := NewClusterView(members())
	v.Update([]Member{{ID: "node-7", Host: "h", Port: 1}}, "node-7", 9)
	assert.Equal(t, 1, v.Size())
	leader, ok := v.Leader()
	assert.True(t, ok)
	assert.Equal(t, MemberID("node-7"), leader.ID)

	v.Update(nil, "node-1", 10)
	_, ok = v.Leader()
	assert.False(t, ok, "leader hint outside the view is dropped")
	assert.Equal(t, int64(10), v.Term())
}
