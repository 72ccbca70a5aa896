package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/store"
)

// StoreBasedStateManager reads user state from a Store, creating defaults
// for users seen for the first time.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new state manager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// Get returns the stored state or store.ErrNotFound.
func (sm *StoreBasedStateManager) Get(ctx context.Context, userID string) (*models.UserState, error) {
	return sm.store.LoadUserState(ctx, userID)
}

// LoadOrInit returns the stored state, or a fresh default state that has not
// been saved yet.
func (sm *StoreBasedStateManager) LoadOrInit(ctx context.Context, userID string) (*models.UserState, error) {
	st, err := sm.store.LoadUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("StateManager.LoadOrInit: new user, using defaults", "userID", userID)
		return models.NewUserState(userID), nil
	}
	if err != nil {
		slog.Error("StateManager.LoadOrInit: load failed", "error", err, "userID", userID)
		return nil, err
	}
	if st.Coaching.CompletedSteps == nil {
		st.Coaching.CompletedSteps = []string{}
	}
	return st, nil
}
