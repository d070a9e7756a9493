package workflow

import (
	"fmt"

	"workrelay/internal/domain"
)

// ReviewChain is the order in which roles accept each other's output.
// The last role, or an explicit final role, gives the approval that completes a workflow.
type ReviewChain struct {
	roles []domain.Role
	final domain.Role
}

// NewReviewChain builds a chain from role names. final may be empty to mean the last role.
func NewReviewChain(names []string, final string) (ReviewChain, error) {
	var c ReviewChain
	for _, n := range names {
		r, ok := domain.ParseRole(n)
		if !ok {
			return ReviewChain{}, fmt.Errorf("review chain: unknown role %q", n)
		}
		c.roles = append(c.roles, r)
	}
	if final != "" {
		r, ok := domain.ParseRole(final)
		if !ok {
			return ReviewChain{}, fmt.Errorf("review chain: unknown final role %q", final)
		}
		c.final = r
	} else if len(c.roles) > 0 {
		c.final = c.roles[len(c.roles)-1]
	}
	return c, nil
}

// Next returns the role that reviews output produced by r.
func (c ReviewChain) Next(r domain.Role) (domain.Role, bool) {
	for i, role := range c.roles {
		if role == r && i+1 < len(c.roles) {
			return c.roles[i+1], true
		}
	}
	return "", false
}

// IsFinal reports whether approval from r completes the workflow.
func (c ReviewChain) IsFinal(r domain.Role) bool {
	return c.final != "" && r == c.final
}

func (c ReviewChain) Final() domain.Role { return c.final }

func (c ReviewChain) Roles() []domain.Role {
	return append([]domain.Role(nil), c.roles...)
}
