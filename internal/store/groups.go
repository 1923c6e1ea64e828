package store

import (
	"fmt"
	"log/slog"
	"sort"
)

// CreateGroup adds a group at the end of the sort order.
func (s *Store) CreateGroup(name, color string) Group {
	var out Group
	s.do(func() {
		g := &Group{
			ID:    newID(),
			Name:  name,
			Color: color,
			Order: len(s.groups),
		}
		s.groups = append(s.groups, g)
		s.sortGroups()
		s.persistGroups()
		storeLog.Info("group_created", slog.String("id", g.ID), slog.String("name", name))
		out = g.clone()
	})
	return out
}

// UpdateGroup renames or recolors a group. Empty arguments leave the field
// unchanged.
func (s *Store) UpdateGroup(id, name, color string) error {
	var err error
	s.do(func() {
		g := s.groupByID(id)
		if g == nil {
			err = fmt.Errorf("store: no group %s", id)
			return
		}
		if name != "" {
			g.Name = name
		}
		if color != "" {
			g.Color = color
		}
		s.persistGroups()
	})
	return err
}

// DeleteGroup removes a group and clears the group reference on its member
// sessions. Sessions are never deleted with their group.
func (s *Store) DeleteGroup(id string) error {
	var err error
	s.do(func() {
		idx := -1
		for i, g := range s.groups {
			if g.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			err = fmt.Errorf("store: no group %s", id)
			return
		}
		s.groups = append(s.groups[:idx], s.groups[idx+1:]...)
		s.renumberGroups()

		orphaned := 0
		for _, sess := range s.sessions {
			if sess.GroupID == id {
				sess.GroupID = ""
				orphaned++
			}
		}
		s.persistGroups()
		if orphaned > 0 {
			s.persistSessions()
		}
		storeLog.Info("group_deleted", slog.String("id", id), slog.Int("orphaned", orphaned))
	})
	return err
}

// ReorderGroup moves a group to newIndex in the sort order.
func (s *Store) ReorderGroup(id string, newIndex int) error {
	var err error
	s.do(func() {
		cur := -1
		for i, g := range s.groups {
			if g.ID == id {
				cur = i
				break
			}
		}
		if cur < 0 {
			err = fmt.Errorf("store: no group %s", id)
			return
		}
		if newIndex < 0 {
			newIndex = 0
		}
		if newIndex >= len(s.groups) {
			newIndex = len(s.groups) - 1
		}
		g := s.groups[cur]
		s.groups = append(s.groups[:cur], s.groups[cur+1:]...)
		s.groups = append(s.groups[:newIndex], append([]*Group{g}, s.groups[newIndex:]...)...)
		s.renumberGroups()
		s.persistGroups()
	})
	return err
}

// SetSessionGroup moves a session to groupID; empty groupID means ungrouped.
func (s *Store) SetSessionGroup(sessionID, groupID string) error {
	var err error
	s.do(func() {
		sess := s.byID(sessionID)
		if sess == nil {
			err = fmt.Errorf("store: no session %s", sessionID)
			return
		}
		if groupID != "" && s.groupByID(groupID) == nil {
			err = fmt.Errorf("store: no group %s", groupID)
			return
		}
		sess.GroupID = groupID
		sess.Order = s.nextOrder(groupID)
		s.persistSessions()
	})
	return err
}

// ReorderWithinGroup moves a session to newIndex among its group siblings.
func (s *Store) ReorderWithinGroup(sessionID string, newIndex int) error {
	var err error
	s.do(func() {
		sess := s.byID(sessionID)
		if sess == nil {
			err = fmt.Errorf("store: no session %s", sessionID)
			return
		}

		siblings := s.groupMembers(sess.GroupID)
		cur := -1
		for i, sib := range siblings {
			if sib.ID == sessionID {
				cur = i
				break
			}
		}
		if cur < 0 {
			err = fmt.Errorf("store: session %s not in its own group", sessionID)
			return
		}
		if newIndex < 0 {
			newIndex = 0
		}
		if newIndex >= len(siblings) {
			newIndex = len(siblings) - 1
		}

		moved := siblings[cur]
		siblings = append(siblings[:cur], siblings[cur+1:]...)
		siblings = append(siblings[:newIndex], append([]*Session{moved}, siblings[newIndex:]...)...)
		for i, sib := range siblings {
			sib.Order = i
		}
		s.persistSessions()
	})
	return err
}

// SetGroupOverride sets or clears (value nil) one group alert attribute.
func (s *Store) SetGroupOverride(id, attr string, value *bool) error {
	var err error
	s.do(func() {
		g := s.groupByID(id)
		if g == nil {
			err = fmt.Errorf("store: no group %s", id)
			return
		}
		if !g.Overrides.set(attr, value) {
			err = fmt.Errorf("store: unknown alert attribute %q", attr)
			return
		}
		s.persistGroups()
	})
	return err
}

// Groups returns copies of all groups in sort order.
func (s *Store) Groups() []Group {
	var out []Group
	s.do(func() {
		out = make([]Group, len(s.groups))
		for i, g := range s.groups {
			out[i] = g.clone()
		}
	})
	return out
}

// --- store-goroutine helpers ---

func (s *Store) groupByID(id string) *Group {
	if id == "" {
		return nil
	}
	for _, g := range s.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// groupMembers returns the live sessions of a group in display order.
func (s *Store) groupMembers(groupID string) []*Session {
	var members []*Session
	for _, sess := range s.sessions {
		if sess.GroupID == groupID {
			members = append(members, sess)
		}
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Order < members[j].Order
	})
	return members
}

func (s *Store) sortGroups() {
	sort.SliceStable(s.groups, func(i, j int) bool {
		return s.groups[i].Order < s.groups[j].Order
	})
}

func (s *Store) renumberGroups() {
	for i, g := range s.groups {
		g.Order = i
	}
}
