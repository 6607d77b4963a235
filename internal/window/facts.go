package window

import (
	"log"
	"strings"
)

// Facts returns a copy of the user's remembered facts, oldest first.
func (s *Session) Facts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.facts))
	copy(out, s.facts)
	return out
}

// Remember appends a fact if it is not already present and persists the
// fact list.
func (s *Session) Remember(fact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rememberLocked(fact)
}

// Forget removes every fact containing pattern (case-insensitive). A
// pattern that matches nothing is a no-op.
func (s *Session) Forget(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(pattern)
}

func (s *Session) rememberLocked(fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	for _, f := range s.facts {
		if strings.EqualFold(f, fact) {
			return
		}
	}
	s.facts = append(s.facts, fact)
	s.saveFactsLocked()
}

func (s *Session) forgetLocked(pattern string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}
	kept := s.facts[:0]
	removed := false
	for _, f := range s.facts {
		if strings.Contains(strings.ToLower(f), pattern) {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	s.facts = kept
	if removed {
		s.saveFactsLocked()
	}
}

// applyFactDirectivesLocked scans the user text for explicit remember/forget
// imperatives. Only leading imperatives count; "I can't remember" or similar
// mid-sentence mentions are left alone.
func (s *Session) applyFactDirectivesLocked(userText string) {
	for _, line := range strings.Split(userText, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "remember that "):
			s.rememberLocked(line[len("remember that "):])
		case strings.HasPrefix(lower, "remember "):
			s.rememberLocked(line[len("remember "):])
		case strings.HasPrefix(lower, "forget that "):
			s.forgetLocked(line[len("forget that "):])
		case strings.HasPrefix(lower, "forget about "):
			s.forgetLocked(line[len("forget about "):])
		case strings.HasPrefix(lower, "forget "):
			s.forgetLocked(line[len("forget "):])
		}
	}
}

func (s *Session) saveFactsLocked() {
	if err := s.mgr.facts.SaveFacts(s.userID, s.facts); err != nil {
		log.Printf("[window] save facts for %s failed, in-memory facts kept: %v", s.userID, err)
	}
}
