package quota

import (
	"fmt"

	"github.com/nexiloop/nexiloop/pkg/models"
)

// Default daily limits.
const (
	GeneralAuthLimit  int64 = 1000
	GeneralAnonLimit  int64 = 5
	ProLimit          int64 = 500
	SpecialAgentLimit int64 = 2
)

// Limits maps a class and authentication state to a daily limit.
type Limits struct {
	GeneralAuthenticated int64 `json:"general_authenticated"`
	GeneralAnonymous     int64 `json:"general_anonymous"`
	Pro                  int64 `json:"pro"`
	SpecialAgent         int64 `json:"special_agent"`
}

// DefaultLimits returns the built-in limit table.
func DefaultLimits() Limits {
	return Limits{
		GeneralAuthenticated: GeneralAuthLimit,
		GeneralAnonymous:     GeneralAnonLimit,
		Pro:                  ProLimit,
		SpecialAgent:         SpecialAgentLimit,
	}
}

// For returns the limit that applies to class for an anonymous or
// authenticated subject. Only the general class distinguishes the two.
func (l Limits) For(class models.QuotaClass, anonymous bool) int64 {
	switch class {
	case models.QuotaPro:
		return l.Pro
	case models.QuotaSpecialAgent:
		return l.SpecialAgent
	default:
		if anonymous {
			return l.GeneralAnonymous
		}
		return l.GeneralAuthenticated
	}
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	for name, v := range map[string]int64{
		"general_authenticated": l.GeneralAuthenticated,
		"general_anonymous":     l.GeneralAnonymous,
		"pro":                   l.Pro,
		"special_agent":         l.SpecialAgent,
	} {
		if v < 0 {
			return fmt.Errorf("limit %s must be >= 0, got %d", name, v)
		}
	}
	return nil
}
