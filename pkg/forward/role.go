package forward

import "sync/atomic"

// Role tracks whether this node is the elected leader.
type Role struct {
	leader atomic.Bool
}

func NewRole(leader bool) *Role {
	r := new(Role)
	r.leader.Store(leader)
	return r
}

func (r *Role) IsLeader() bool { return r.leader.Load() }

func (r *Role) SetLeader(leader bool) { r.leader.Store(leader) }
