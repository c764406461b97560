package session

import (
	"sync"

	"github.com/petrelhq/petrel/pkg/models"
)

// Plans holds the live plan per session. The plan_todo tool mutates it
// and the plan injector renders it back into every prompt; nothing is
// persisted, a plan dies with its session.
type Plans struct {
	mu    sync.Mutex
	plans map[string]*models.Plan
}

func NewPlans() *Plans {
	return &Plans{plans: map[string]*models.Plan{}}
}

// Plan returns the session's current plan, or nil.
func (p *Plans) Plan(sessionID string) *models.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plans[sessionID]
}

// SetPlan replaces the session's plan. A nil plan clears it.
func (p *Plans) SetPlan(sessionID string, plan *models.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan == nil {
		delete(p.plans, sessionID)
		return
	}
	p.plans[sessionID] = plan
}

// Drop removes the session's plan at destruction.
func (p *Plans) Drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.plans, sessionID)
}
