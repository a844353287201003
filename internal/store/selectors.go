package store

import "sort"

// Selectors are pure projections over a snapshot. They live here so every
// consumer (transports, effects, the stats endpoint) computes derived views
// the same way.

// Session returns one session's state.
func Session(s *State, id string) (SessionState, bool) {
	sess, ok := s.Sessions[id]
	return sess, ok
}

// SessionCount returns the number of live sessions.
func SessionCount(s *State) int {
	return len(s.Sessions)
}

// SessionsInState lists the IDs of sessions currently in the given
// control-machine state, sorted for stable output.
func SessionsInState(s *State, state string) []string {
	var ids []string
	for id, sess := range s.Sessions {
		if sess.State == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CapturingSessions lists sessions currently recording or streaming.
func CapturingSessions(s *State) []string {
	var ids []string
	for id, sess := range s.Sessions {
		if sess.State == "RECORDING" || sess.State == "STREAMING" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TotalStats returns the aggregate counters.
func TotalStats(s *State) Stats {
	return s.Stats
}
