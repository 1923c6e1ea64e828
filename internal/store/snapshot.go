package store

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// SessionView is a session annotated with its precedence-resolved alert
// settings, ready for display.
type SessionView struct {
	Session   Session         `json:"session"`
	Effective EffectiveAlerts `json:"effective"`
}

// GroupView is one group with its member sessions in display order.
type GroupView struct {
	Group    Group         `json:"group"`
	Sessions []SessionView `json:"sessions"`
}

// Snapshot is the renderer-facing read model: groups in sort order, then
// ungrouped sessions.
type Snapshot struct {
	Groups    []GroupView   `json:"groups"`
	Ungrouped []SessionView `json:"ungrouped"`
}

// TakeSnapshot builds the read model. A non-empty query fuzzy-filters
// sessions on project, working directory, and tag; groups left empty by the
// filter are omitted.
func (s *Store) TakeSnapshot(query string) Snapshot {
	var snap Snapshot
	s.do(func() {
		keep := s.matchQuery(query)

		for _, g := range s.groups {
			gv := GroupView{Group: g.clone()}
			for _, sess := range s.groupMembers(g.ID) {
				if !keep(sess) {
					continue
				}
				gv.Sessions = append(gv.Sessions, SessionView{
					Session:   sess.clone(),
					Effective: s.effective(sess),
				})
			}
			if query != "" && len(gv.Sessions) == 0 {
				continue
			}
			snap.Groups = append(snap.Groups, gv)
		}

		for _, sess := range s.groupMembers("") {
			if !keep(sess) {
				continue
			}
			snap.Ungrouped = append(snap.Ungrouped, SessionView{
				Session:   sess.clone(),
				Effective: s.effective(sess),
			})
		}
	})
	return snap
}

// matchQuery returns a predicate over sessions for the fuzzy filter. An empty
// query keeps everything.
func (s *Store) matchQuery(query string) func(*Session) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return func(*Session) bool { return true }
	}

	haystack := make([]string, len(s.sessions))
	for i, sess := range s.sessions {
		haystack[i] = strings.ToLower(sess.Project + " " + sess.WorkingDir + " " + sess.Tag)
	}

	matched := make(map[string]bool)
	for _, m := range fuzzy.Find(strings.ToLower(query), haystack) {
		matched[s.sessions[m.Index].ID] = true
	}
	return func(sess *Session) bool { return matched[sess.ID] }
}
