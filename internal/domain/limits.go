package domain

import (
	"sync/atomic"
)

// LimitsHolder provides lock-free access to the current limits generation.
// Reload swaps the whole struct so a reader never observes a half-applied
// update.
type LimitsHolder struct {
	current atomic.Pointer[LimitsConfig]
}

// NewLimitsHolder validates and installs the initial limits.
func NewLimitsHolder(limits LimitsConfig) (*LimitsHolder, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	h := &LimitsHolder{}
	h.current.Store(&limits)
	return h, nil
}

// Load returns the current limits generation.
func (h *LimitsHolder) Load() *LimitsConfig {
	return h.current.Load()
}

// Reload validates and atomically installs a new limits generation.
// Invalid limits are rejected and the previous generation stays active.
func (h *LimitsHolder) Reload(limits LimitsConfig) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	h.current.Store(&limits)
	return nil
}
