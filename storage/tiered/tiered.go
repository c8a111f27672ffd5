// Package tiered provides a Hot/Cold tiered storage adapter that puts fast
// ephemeral storage (Hot) in front of durable persistent storage (Cold).
//
// Reads are read-through (Hot, then Cold, then repair Hot). Writes are
// write-through: Cold first, since it is the source of truth, then Hot.
// Every Hot write is conditional on UpdatedAt, so a read repair or a queued
// write that lands late never replaces a newer record.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) serving most reads
	Hot entitlement.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold entitlement.Storage

	// AsyncHotWrites moves Hot writes and read repairs to a background worker.
	// If false, Hot is written before the call returns.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	// Hot failures never fail the caller once Cold succeeded.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture
type Storage struct {
	hot  entitlement.Storage
	cold entitlement.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup

	// hotMu serializes compare-and-write on Hot backends without ConditionalWriter
	hotMu sync.Mutex
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Hot writes and stops the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotWrites {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background Hot write loop.
// Jobs run sequentially so writes for one user keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered hot write failed: %w", err))
	}
}

// writeHot stores rec in Hot, inline or on the worker.
// A full queue falls back to an inline write.
func (s *Storage) writeHot(rec *entitlement.Record) {
	recCopy := *rec
	job := func() error {
		return s.upsertHotIfNewer(context.Background(), &recCopy)
	}

	if s.conf.AsyncHotWrites {
		select {
		case s.syncQueue <- job:
			return
		default:
		}
	}
	s.report(job())
}

// upsertHotIfNewer writes rec to Hot unless Hot holds a record with a later UpdatedAt
func (s *Storage) upsertHotIfNewer(ctx context.Context, rec *entitlement.Record) error {
	if cw, ok := s.hot.(entitlement.ConditionalWriter); ok {
		_, err := cw.UpsertRecordIfNewer(ctx, rec)
		return err
	}

	s.hotMu.Lock()
	defer s.hotMu.Unlock()

	current, err := s.hot.GetRecord(ctx, rec.UserID)
	switch {
	case err == nil && current.UpdatedAt.After(rec.UpdatedAt):
		return nil
	case err != nil && !errors.Is(err, entitlement.ErrRecordNotFound):
		return err
	}
	return s.hot.UpsertRecord(ctx, rec)
}

// GetRecord implements entitlement.Storage with read-through strategy.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	rec, err := s.hot.GetRecord(ctx, userID)
	if err == nil {
		return rec, nil
	}

	rec, err = s.cold.GetRecord(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.writeHot(rec)
	return rec, nil
}

// UpsertRecord implements entitlement.Storage with write-through strategy.
func (s *Storage) UpsertRecord(ctx context.Context, rec *entitlement.Record) error {
	if err := s.cold.UpsertRecord(ctx, rec); err != nil {
		return err
	}
	s.writeHot(rec)
	return nil
}

// GetStatus implements entitlement.StatusReader by reading Cold's mirror
func (s *Storage) GetStatus(ctx context.Context, userID string) (*entitlement.SubscriptionStatus, error) {
	reader, ok := s.cold.(entitlement.StatusReader)
	if !ok {
		return nil, fmt.Errorf("tiered storage: cold storage does not expose subscription status")
	}
	return reader.GetStatus(ctx, userID)
}
