// Package model provides state management and serialisable snapshots for
// networks and fitted preprocessors.
package model

import (
	"sync"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// StateManager manages the fitted state of a component in a thread-safe manner.
// Fitted preprocessors and the k-NN memory bank embed it by composition.
type StateManager struct {
	Fitted bool // Public for gob encoding
	mu     sync.RWMutex

	// Optional metadata - Public for gob encoding
	NFeatures int
	NSamples  int
}

// NewStateManager creates a new StateManager instance.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// IsFitted returns whether the component has been fitted.
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Fitted
}

// SetFitted marks the component as fitted with the dimensions it saw.
func (s *StateManager) SetFitted(nFeatures, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = true
	s.NFeatures = nFeatures
	s.NSamples = nSamples
}

// Reset resets the fitted state.
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = false
	s.NFeatures = 0
	s.NSamples = 0
}

// RequireFitted returns a NotFittedError naming component and method.
func (s *StateManager) RequireFitted(component, method string) error {
	if !s.IsFitted() {
		return errors.NewNotFittedError(component, method)
	}
	return nil
}

// RequireFeatures checks that got matches the feature count seen during fitting.
func (s *StateManager) RequireFeatures(op string, got int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if got != s.NFeatures {
		return errors.NewDimensionError(op, s.NFeatures, got, 1)
	}
	return nil
}
