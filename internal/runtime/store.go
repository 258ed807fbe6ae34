package runtime

import (
	"sort"
	"sync"
)

// UpdateOutcome summarizes what an applied update changed. RestartNeeded is
// set for env or extra-CLI-arg changes (those only take effect on a child
// respawn or remote restart); HeadersChanged for any header add/remove.
type UpdateOutcome struct {
	RestartNeeded  bool
	HeadersChanged bool
}

// Merge folds another outcome into this one.
func (o *UpdateOutcome) Merge(other UpdateOutcome) {
	o.RestartNeeded = o.RestartNeeded || other.RestartNeeded
	o.HeadersChanged = o.HeadersChanged || other.HeadersChanged
}

// ArgsUpdate is the delta applied to an Args set: header and env
// additions/removals plus an optional full replacement of the extra CLI
// args.
type ArgsUpdate struct {
	SetHeaders    map[string]string `json:"headers,omitempty"`
	RemoveHeaders []string          `json:"remove_headers,omitempty"`
	SetEnv        map[string]string `json:"env,omitempty"`
	RemoveEnv     []string          `json:"remove_env,omitempty"`
	ReplaceArgs   *[]string         `json:"args,omitempty"`
}

// applyTo mutates args in place and reports what changed. Empty header keys
// are skipped (rejected at ingest); map iteration is ordered by key so the
// resulting header order is deterministic.
func (u ArgsUpdate) applyTo(args *Args) UpdateOutcome {
	var outcome UpdateOutcome

	for _, key := range sortedKeys(u.SetHeaders) {
		if err := args.Headers.Set(key, u.SetHeaders[key]); err == nil {
			outcome.HeadersChanged = true
		}
	}
	for _, key := range u.RemoveHeaders {
		if args.Headers.Delete(key) {
			outcome.HeadersChanged = true
		}
	}

	for _, key := range sortedKeys(u.SetEnv) {
		if args.Env == nil {
			args.Env = make(map[string]string)
		}
		if current, ok := args.Env[key]; !ok || current != u.SetEnv[key] {
			args.Env[key] = u.SetEnv[key]
			outcome.RestartNeeded = true
		}
	}
	for _, key := range u.RemoveEnv {
		if _, ok := args.Env[key]; ok {
			delete(args.Env, key)
			outcome.RestartNeeded = true
		}
	}

	if u.ReplaceArgs != nil {
		replacement := make([]string, len(*u.ReplaceArgs))
		copy(replacement, *u.ReplaceArgs)
		args.Extra = replacement
		outcome.RestartNeeded = true
	}

	return outcome
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store holds the global runtime args plus per-session deltas. Readers are
// cheap (every outbound request consults the effective args); writers are
// rare (control-bus updates).
type Store struct {
	mu       sync.RWMutex
	global   Args
	sessions map[string]ArgsUpdate
}

// NewStore creates a Store seeded with the configuration-time args.
func NewStore(initial Args) *Store {
	return &Store{
		global:   initial.Clone(),
		sessions: make(map[string]ArgsUpdate),
	}
}

// GetEffective returns the args for a session: the global set with the
// session delta applied on top. An empty or unknown session id returns the
// global args.
func (s *Store) GetEffective(sessionID string) Args {
	s.mu.RLock()
	defer s.mu.RUnlock()

	effective := s.global.Clone()
	if sessionID == "" {
		return effective
	}
	if delta, ok := s.sessions[sessionID]; ok {
		delta.applyTo(&effective)
	}
	return effective
}

// UpdateGlobal applies a delta to the global args.
func (s *Store) UpdateGlobal(update ArgsUpdate) UpdateOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update.applyTo(&s.global)
}

// UpdateSession stacks a delta onto a session. Deltas accumulate: a later
// update extends the stored one rather than replacing it.
func (s *Store) UpdateSession(sessionID string, update ArgsUpdate) UpdateOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.sessions[sessionID]
	merged := mergeUpdates(stored, update)
	s.sessions[sessionID] = merged

	// Report against the current effective view so callers learn whether
	// anything observable changed.
	probe := s.global.Clone()
	stored.applyTo(&probe)
	return update.applyTo(&probe)
}

// DropSession discards a session's delta.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SessionIDs returns the ids carrying overrides, sorted.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func mergeUpdates(base, overlay ArgsUpdate) ArgsUpdate {
	merged := ArgsUpdate{
		SetHeaders: make(map[string]string, len(base.SetHeaders)+len(overlay.SetHeaders)),
		SetEnv:     make(map[string]string, len(base.SetEnv)+len(overlay.SetEnv)),
	}
	for k, v := range base.SetHeaders {
		merged.SetHeaders[k] = v
	}
	for k, v := range overlay.SetHeaders {
		merged.SetHeaders[k] = v
	}
	for k, v := range base.SetEnv {
		merged.SetEnv[k] = v
	}
	for k, v := range overlay.SetEnv {
		merged.SetEnv[k] = v
	}
	merged.RemoveHeaders = append(append([]string{}, base.RemoveHeaders...), overlay.RemoveHeaders...)
	merged.RemoveEnv = append(append([]string{}, base.RemoveEnv...), overlay.RemoveEnv...)
	merged.ReplaceArgs = overlay.ReplaceArgs
	if merged.ReplaceArgs == nil {
		merged.ReplaceArgs = base.ReplaceArgs
	}
	return merged
}
