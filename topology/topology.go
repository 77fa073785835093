// Package topology describes which degrees of freedom a
// rank shares with which other ranks.
//
// A group is a set of degrees of freedom shared by the
// same set of ranks, one of which owns it (the master).
// Group 0 on every rank holds the degrees of freedom it
// shares with nobody. Neighbor 0 is the rank itself.
package topology

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

var ErrTopology = errors.New("topology: invalid group topology")

// A SharedGroup is the global description of a group.
// Every rank in Ranks must be handed the same value.
type SharedGroup struct {
	// Key identifies the group on all ranks and fixes the
	// order in which groups are exchanged.
	Key int64

	Master int
	Ranks  []int
}

// A GroupTopology is one rank's view of the shared groups
// it belongs to.
type GroupTopology struct {
	rank   int
	groups []SharedGroup

	neighbors  []int
	sendGroups [][]int
	recvGroups [][]int
}

// New builds the topology seen by rank from the global
// list of groups. Groups not containing rank are ignored.
func New(rank int, groups []SharedGroup) (*GroupTopology, error) {
	if rank < 0 {
		return nil, errors.Wrapf(ErrTopology, "negative rank %d", rank)
	}
	t := &GroupTopology{
		rank:   rank,
		groups: []SharedGroup{{Key: -1, Master: rank, Ranks: []int{rank}}},
	}

	keys := map[int64]bool{}
	for _, g := range groups {
		if err := checkGroup(g); err != nil {
			return nil, err
		}
		if keys[g.Key] {
			return nil, errors.Wrapf(ErrTopology, "duplicate group key %d", g.Key)
		}
		keys[g.Key] = true
		if essentials.Contains(g.Ranks, rank) {
			ranks := append([]int(nil), g.Ranks...)
			sort.Ints(ranks)
			t.groups = append(t.groups, SharedGroup{Key: g.Key, Master: g.Master, Ranks: ranks})
		}
	}
	shared := t.groups[1:]
	sort.Slice(shared, func(i, j int) bool {
		return shared[i].Key < shared[j].Key
	})

	t.neighbors = []int{rank}
	for _, g := range t.groups[1:] {
		for _, r := range g.Ranks {
			if !essentials.Contains(t.neighbors, r) {
				t.neighbors = append(t.neighbors, r)
			}
		}
	}
	sort.Ints(t.neighbors[1:])

	t.sendGroups = make([][]int, len(t.neighbors))
	t.recvGroups = make([][]int, len(t.neighbors))
	for nbr := 1; nbr < len(t.neighbors); nbr++ {
		other := t.neighbors[nbr]
		for id, g := range t.groups {
			if id == 0 || !essentials.Contains(g.Ranks, other) {
				continue
			}
			if g.Master == rank {
				t.sendGroups[nbr] = append(t.sendGroups[nbr], id)
			} else if g.Master == other {
				t.recvGroups[nbr] = append(t.recvGroups[nbr], id)
			}
		}
	}
	return t, nil
}

func checkGroup(g SharedGroup) error {
	if len(g.Ranks) < 2 {
		return errors.Wrapf(ErrTopology, "group %d is shared by fewer than two ranks", g.Key)
	}
	seen := map[int]bool{}
	for _, r := range g.Ranks {
		if r < 0 || seen[r] {
			return errors.Wrapf(ErrTopology, "group %d has invalid or repeated rank %d", g.Key, r)
		}
		seen[r] = true
	}
	if !seen[g.Master] {
		return errors.Wrapf(ErrTopology, "master %d of group %d is not a member", g.Master, g.Key)
	}
	return nil
}

// Rank returns the rank this topology belongs to.
func (t *GroupTopology) Rank() int {
	return t.rank
}

// GroupCount returns the number of groups, including
// group 0.
func (t *GroupTopology) GroupCount() int {
	return len(t.groups)
}

// GroupKey returns the global key of a group, or -1 for
// group 0.
func (t *GroupTopology) GroupKey(group int) int64 {
	return t.groups[group].Key
}

// GroupMaster returns the rank owning a group.
func (t *GroupTopology) GroupMaster(group int) int {
	return t.groups[group].Master
}

// GroupRanks returns the sorted ranks sharing a group.
func (t *GroupTopology) GroupRanks(group int) []int {
	return t.groups[group].Ranks
}

// IsMaster reports whether this rank owns a group.
func (t *GroupTopology) IsMaster(group int) bool {
	return t.groups[group].Master == t.rank
}

// NeighborCount returns the number of neighbors,
// including neighbor 0.
func (t *GroupTopology) NeighborCount() int {
	return len(t.neighbors)
}

// NeighborRank returns the rank of a neighbor.
func (t *GroupTopology) NeighborRank(nbr int) int {
	return t.neighbors[nbr]
}

// SendGroups lists, in ascending order, the groups this
// rank owns and shares with a neighbor.
func (t *GroupTopology) SendGroups(nbr int) []int {
	return t.sendGroups[nbr]
}

// RecvGroups lists, in ascending order, the groups a
// neighbor owns and shares with this rank.
func (t *GroupTopology) RecvGroups(nbr int) []int {
	return t.recvGroups[nbr]
}
