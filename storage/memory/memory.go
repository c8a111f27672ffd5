// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	records map[string]*entitlement.Record
	status  map[string]*entitlement.SubscriptionStatus
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records: make(map[string]*entitlement.Record),
		status:  make(map[string]*entitlement.SubscriptionStatus),
	}
}

// GetRecord implements entitlement.Storage
func (s *Storage) GetRecord(_ context.Context, userID string) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := copyRecord(rec)
	return recCopy, nil
}

// UpsertRecord implements entitlement.Storage.
// The record and its status mirror are swapped under one lock.
func (s *Storage) UpsertRecord(_ context.Context, rec *entitlement.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := copyRecord(rec)
	status := entitlement.StatusOf(recCopy)
	s.records[rec.UserID] = recCopy
	s.status[rec.UserID] = &status
	return nil
}

// UpsertRecordIfNewer implements entitlement.ConditionalWriter
func (s *Storage) UpsertRecordIfNewer(_ context.Context, rec *entitlement.Record) (bool, error) {
	if rec == nil || rec.UserID == "" {
		return false, fmt.Errorf("%w: missing user id", entitlement.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.records[rec.UserID]; ok && current.UpdatedAt.After(rec.UpdatedAt) {
		return false, nil
	}
	recCopy := copyRecord(rec)
	status := entitlement.StatusOf(recCopy)
	s.records[rec.UserID] = recCopy
	s.status[rec.UserID] = &status
	return true, nil
}

// GetStatus implements entitlement.StatusReader
func (s *Storage) GetStatus(_ context.Context, userID string) (*entitlement.SubscriptionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.status[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	statusCopy := *status
	return &statusCopy, nil
}

// Clear removes all data from storage (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*entitlement.Record)
	s.status = make(map[string]*entitlement.SubscriptionStatus)
}

func copyRecord(rec *entitlement.Record) *entitlement.Record {
	recCopy := *rec
	if rec.ExpiresAt != nil {
		exp := *rec.ExpiresAt
		recCopy.ExpiresAt = &exp
	}
	return &recCopy
}
