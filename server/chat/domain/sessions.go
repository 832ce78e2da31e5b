package domain

// NormalizeSession enforces that a waiting session never carries an agent.
func NormalizeSession(s ChatSession) ChatSession {
	if s.Status == SessionStatusWaiting {
		s.Agent = nil
	}
	return s
}

// PrependSession puts s at the head of list. An existing entry with the same id
// is dropped and returned as prev; inserted reports whether s was new to the list.
func PrependSession(list []ChatSession, s ChatSession) (out []ChatSession, prev ChatSession, inserted bool) {
	s = NormalizeSession(s)
	out = make([]ChatSession, 0, len(list)+1)
	out = append(out, s)
	inserted = true
	for _, existing := range list {
		if existing.ID == s.ID {
			prev = existing
			inserted = false
			continue
		}
		out = append(out, existing)
	}
	return out, prev, inserted
}

// ReplaceSession swaps the entry with s.ID for s. The previous value is
// returned so callers can adjust aggregates; ok is false when no entry matched.
func ReplaceSession(list []ChatSession, s ChatSession) (out []ChatSession, prev ChatSession, ok bool) {
	s = NormalizeSession(s)
	out = make([]ChatSession, len(list))
	copy(out, list)
	for i := range out {
		if out[i].ID == s.ID {
			prev = out[i]
			out[i] = s
			return out, prev, true
		}
	}
	return out, ChatSession{}, false
}

func FindSession(list []ChatSession, id string) (ChatSession, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return ChatSession{}, false
}

// Shift moves one session between the status buckets.
func (c Counts) Shift(from, to SessionStatus) Counts {
	if from == to {
		return c
	}
	switch from {
	case SessionStatusWaiting:
		c.Waiting--
	case SessionStatusActive:
		c.Active--
	}
	switch to {
	case SessionStatusWaiting:
		c.Waiting++
	case SessionStatusActive:
		c.Active++
	}
	if c.Waiting < 0 {
		c.Waiting = 0
	}
	if c.Active < 0 {
		c.Active = 0
	}
	return c
}

func (c Counts) Add(status SessionStatus) Counts {
	c.Total++
	switch status {
	case SessionStatusWaiting:
		c.Waiting++
	case SessionStatusActive:
		c.Active++
	}
	return c
}

// CountSessions derives aggregates from a full session list.
func CountSessions(list []ChatSession) Counts {
	var c Counts
	for _, s := range list {
		c = c.Add(s.Status)
	}
	return c
}
