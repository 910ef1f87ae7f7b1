// Package approval holds action plans that require operator sign-off before
// the executor may run them. Plans are stored pending, approved by an
// operator through the API, and removed once executed or rejected.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lelandg/Heimdallr/internal/action"
)

// ErrNotFound is returned when no pending plan matches the requested ID.
var ErrNotFound = errors.New("approval: plan not found")

const (
	defaultTTL       = 24 * time.Hour
	memoryPendingCap = 100
)

// Store persists plans awaiting approval.
type Store interface {
	// Put stores a plan pending approval, replacing any plan with the same ID.
	Put(ctx context.Context, plan *action.Plan) error
	// Get returns the pending plan with the given ID.
	Get(ctx context.Context, planID string) (*action.Plan, error)
	// Pending returns all pending plans ordered oldest first.
	Pending(ctx context.Context) ([]*action.Plan, error)
	// Approve marks the plan approved and returns the updated plan.
	Approve(ctx context.Context, planID, approvedBy string) (*action.Plan, error)
	// Remove deletes a plan, approved or not.
	Remove(ctx context.Context, planID string) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the default in-process Store. Entries expire after the
// configured TTL and the store holds at most memoryPendingCap plans, evicting
// the oldest when full.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string]*action.Plan
	ttl   time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewMemoryStore builds a MemoryStore. ttl <= 0 selects the 24h default.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		plans:  make(map[string]*action.Plan),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, plan *action.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	if _, exists := s.plans[plan.PlanID]; !exists && len(s.plans) >= memoryPendingCap {
		s.evictOldestLocked()
	}
	s.plans[plan.PlanID] = clonePlan(plan)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, planID string) (*action.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]*action.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	out := make([]*action.Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, clonePlan(plan))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Approve(_ context.Context, planID, approvedBy string) (*action.Plan, error) {
	if approvedBy == "" {
		approvedBy = "operator"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	plan.Approved = true
	plan.ApprovedBy = approvedBy
	return clonePlan(plan), nil
}

func (s *MemoryStore) Remove(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[planID]; !ok {
		return ErrNotFound
	}
	delete(s.plans, planID)
	return nil
}

func (s *MemoryStore) pruneLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, plan := range s.plans {
		if plan.CreatedAt.Before(cutoff) {
			delete(s.plans, id)
			s.logger.Info("pending approval expired", slog.String("plan_id", id))
		}
	}
}

func (s *MemoryStore) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, plan := range s.plans {
		if oldestID == "" || plan.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = plan.CreatedAt
		}
	}
	if oldestID != "" {
		delete(s.plans, oldestID)
		s.logger.Warn("pending approval evicted, store full", slog.String("plan_id", oldestID))
	}
}

func clonePlan(plan *action.Plan) *action.Plan {
	out := *plan
	out.Actions = make([]action.Recommendation, len(plan.Actions))
	copy(out.Actions, plan.Actions)
	for i, rec := range plan.Actions {
		if rec.Prerequisites != nil {
			out.Actions[i].Prerequisites = append([]string(nil), rec.Prerequisites...)
		}
		if rec.Parameters != nil {
			params := make(map[string]interface{}, len(rec.Parameters))
			for k, v := range rec.Parameters {
				params[k] = v
			}
			out.Actions[i].Parameters = params
		}
	}
	return &out
}
