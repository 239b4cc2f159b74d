package models

import (
	"fmt"
	"time"
)

// QuotaClass identifies an independently limited category of actions.
type QuotaClass string

const (
	QuotaGeneral      QuotaClass = "general"
	QuotaPro          QuotaClass = "pro"
	QuotaSpecialAgent QuotaClass = "special_agent"
)

// QuotaClasses lists every class in a stable order.
var QuotaClasses = []QuotaClass{QuotaGeneral, QuotaPro, QuotaSpecialAgent}

// Valid reports whether c is a known class.
func (c QuotaClass) Valid() bool {
	switch c {
	case QuotaGeneral, QuotaPro, QuotaSpecialAgent:
		return true
	}
	return false
}

// Fields returns the persisted count and window field names for the class.
func (c QuotaClass) Fields() (count, window string) {
	switch c {
	case QuotaPro:
		return "daily_pro_message_count", "daily_pro_reset"
	case QuotaSpecialAgent:
		return "special_agent_count", "special_agent_reset"
	default:
		return "daily_message_count", "daily_reset"
	}
}

// ParseQuotaClass converts a string into a QuotaClass.
func ParseQuotaClass(s string) (QuotaClass, error) {
	c := QuotaClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown quota class %q", s)
	}
	return c, nil
}

// Counter is the per-class daily counter. A zero WindowStart means the
// window has never been opened.
type Counter struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start,omitempty"`
}

// Subject is the quota record of one user or guest identity.
type Subject struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email,omitempty"`
	Anonymous    bool                   `json:"anonymous"`
	Premium      bool                   `json:"premium"`
	MessageCount int64                  `json:"message_count"`
	Counters     map[QuotaClass]Counter `json:"counters"`
	LastActiveAt time.Time              `json:"last_active_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Counter returns the counter for class c, zero if never written.
func (s Subject) Counter(c QuotaClass) Counter {
	if s.Counters == nil {
		return Counter{}
	}
	return s.Counters[c]
}

// SetCounter stores the counter for class c.
func (s *Subject) SetCounter(c QuotaClass, ctr Counter) {
	if s.Counters == nil {
		s.Counters = make(map[QuotaClass]Counter, len(QuotaClasses))
	}
	s.Counters[c] = ctr
}

// Patch is a partial update of a Subject. Nil or empty fields are left alone.
type Patch struct {
	Counts       map[QuotaClass]int64
	WindowStarts map[QuotaClass]time.Time
	MessageCount *int64
	LastActiveAt *time.Time
}

// SetCount records a new count for class c.
func (p *Patch) SetCount(c QuotaClass, n int64) {
	if p.Counts == nil {
		p.Counts = make(map[QuotaClass]int64)
	}
	p.Counts[c] = n
}

// SetWindowStart records a new window start for class c.
func (p *Patch) SetWindowStart(c QuotaClass, t time.Time) {
	if p.WindowStarts == nil {
		p.WindowStarts = make(map[QuotaClass]time.Time)
	}
	p.WindowStarts[c] = t
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Counts) == 0 && len(p.WindowStarts) == 0 && p.MessageCount == nil && p.LastActiveAt == nil
}

// Apply writes the patch into s.
func (p Patch) Apply(s *Subject) {
	for c, n := range p.Counts {
		ctr := s.Counter(c)
		ctr.Count = n
		s.SetCounter(c, ctr)
	}
	for c, t := range p.WindowStarts {
		ctr := s.Counter(c)
		ctr.WindowStart = t
		s.SetCounter(c, ctr)
	}
	if p.MessageCount != nil {
		s.MessageCount = *p.MessageCount
	}
	if p.LastActiveAt != nil {
		s.LastActiveAt = *p.LastActiveAt
	}
}

// Usage summarizes a subject's standing against every class for today.
type Usage struct {
	SubjectID             string `json:"user_id"`
	Anonymous             bool   `json:"anonymous"`
	DailyCount            int64  `json:"daily_count"`
	DailyLimit            int64  `json:"daily_limit"`
	Remaining             int64  `json:"remaining"`
	DailyProCount         int64  `json:"daily_pro_count"`
	ProLimit              int64  `json:"pro_limit"`
	RemainingPro          int64  `json:"remaining_pro"`
	SpecialAgentCount     int64  `json:"special_agent_count"`
	SpecialAgentLimit     int64  `json:"special_agent_limit"`
	RemainingSpecialAgent int64  `json:"remaining_special_agent"`
}
