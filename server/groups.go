package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrGroupExists   = errors.New("group already exists")
	ErrGroupNotFound = errors.New("group not found")
	ErrAlreadyMember = errors.New("user already in group")
	ErrMemberOffline = errors.New("user not connected")
)

type group struct {
	creator string
	members map[string]struct{}
}

// Groups is the directory of live groups. A group exists only while it has
// members; removing the last member deletes the group and its creator record
// in one step under the lock.
type Groups struct {
	mu     sync.Mutex
	groups map[string]*group
}

func newGroups() *Groups {
	return &Groups{groups: make(map[string]*group)}
}

// Create makes a new group with creator as its sole member.
func (g *Groups) Create(name, creator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[name]; ok {
		return ErrGroupExists
	}
	g.groups[name] = &group{
		creator: creator,
		members: map[string]struct{}{creator: {}},
	}
	return nil
}

// Contains reports whether the group exists.
func (g *Groups) Contains(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.groups[name]
	return ok
}

// Add inserts member into the group. The member-online check belongs to the
// caller, which owns the session registry.
func (g *Groups) Add(name, member string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := grp.members[member]; ok {
		return ErrAlreadyMember
	}
	grp.members[member] = struct{}{}
	return nil
}

// Remove takes member out of the group. Idempotent: removing an absent member
// is a no-op. Returns true when the group was deleted because it emptied.
func (g *Groups) Remove(name, member string) (deleted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return false
	}
	delete(grp.members, member)
	if len(grp.members) == 0 {
		delete(g.groups, name)
		return true
	}
	return false
}

// IsMember reports whether member belongs to the group.
func (g *Groups) IsMember(name, member string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return false
	}
	_, ok = grp.members[member]
	return ok
}

// GroupsOf returns the sorted names of the groups the identity belongs to.
// This is the filtered view sent to one identity: membership is visible only
// to members.
func (g *Groups) GroupsOf(identity string) []string {
	g.mu.Lock()
	var names []string
	for name, grp := range g.groups {
		if _, ok := grp.members[identity]; ok {
			names = append(names, name)
		}
	}
	g.mu.Unlock()
	sort.Strings(names)
	return names
}

// MembersOf returns the group's members, empty if the group does not exist.
func (g *Groups) MembersOf(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return nil
	}
	return lo.Keys(grp.members)
}

func (g *Groups) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}
