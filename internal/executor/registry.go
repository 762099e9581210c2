package executor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/opshub/internal/jobs"
)

var (
	ErrActionExists = errors.New("executor: action already registered")
	ErrActionNil    = errors.New("executor: action is nil")
	ErrInvalidType  = errors.New("executor: invalid action type")
)

// Action turns an allowed job into a concrete plan.
type Action interface {
	Type() jobs.Type
	Plan(job jobs.Job) Plan
}

// Registry stores actions by job type.
type Registry struct {
	items map[jobs.Type]Action
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[jobs.Type]Action)}
}

func (r *Registry) Register(action Action) error {
	if action == nil {
		return ErrActionNil
	}
	t := action.Type()
	if !jobs.ValidID(string(t)) {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if _, ok := r.items[t]; ok {
		return fmt.Errorf("%w: %s", ErrActionExists, t)
	}
	r.items[t] = action
	return nil
}

func (r *Registry) Resolve(t jobs.Type) (Action, bool) {
	if r == nil {
		return nil, false
	}
	action, ok := r.items[t]
	return action, ok
}

// Types returns registered job types in sorted order.
func (r *Registry) Types() []jobs.Type {
	out := make([]jobs.Type, 0, len(r.items))
	for t := range r.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
