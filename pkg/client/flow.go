// Package client implements the client side of purchase reconciliation:
// purchase, verify, retry on failure and restore purchases.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPurchaseCancelled is returned by Billing when the user backs out of a purchase
	ErrPurchaseCancelled = errors.New("purchase cancelled")

	// ErrNothingToRestore is returned by Restore when the platform holds no transactions
	ErrNothingToRestore = errors.New("no purchases to restore")
)

// State is the reconciliation state of the client
type State int

const (
	StateIdle State = iota
	StatePurchasing
	StateVerifying
	StateReconciled
	StateRetryableSyncFailure
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePurchasing:
		return "purchasing"
	case StateVerifying:
		return "verifying"
	case StateReconciled:
		return "reconciled"
	case StateRetryableSyncFailure:
		return "retryable_sync_failure"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType names what happened to the flow
type EventType int

const (
	EventPurchaseStarted EventType = iota
	EventPurchaseCompleted
	EventPurchaseCancelled
	EventPurchaseFailed
	EventVerifySucceeded
	EventVerifyPersistenceFailed
	EventVerifyRejected
	EventRetryRequested
	EventRestoreStarted
	EventReset
)

func (t EventType) String() string {
	switch t {
	case EventPurchaseStarted:
		return "purchase_started"
	case EventPurchaseCompleted:
		return "purchase_completed"
	case EventPurchaseCancelled:
		return "purchase_cancelled"
	case EventPurchaseFailed:
		return "purchase_failed"
	case EventVerifySucceeded:
		return "verify_succeeded"
	case EventVerifyPersistenceFailed:
		return "verify_persistence_failed"
	case EventVerifyRejected:
		return "verify_rejected"
	case EventRetryRequested:
		return "retry_requested"
	case EventRestoreStarted:
		return "restore_started"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a queued input to the state machine
type Event struct {
	Type EventType

	// Token is set on EventPurchaseCompleted
	Token string

	// Entitlement is set on EventVerifySucceeded
	Entitlement *api.EntitlementResponse

	// Err is set on failure events
	Err error

	// RetryTokens is set on EventVerifyPersistenceFailed raised by a restore.
	// They are the tokens RetrySync re-submits.
	RetryTokens []string
}

// transitions is the complete transition table. Pairs not listed are invalid.
var transitions = map[State]map[EventType]State{
	StateIdle: {
		EventPurchaseStarted: StatePurchasing,
		EventRestoreStarted:  StateVerifying,
		EventReset:           StateIdle,
	},
	StatePurchasing: {
		EventPurchaseCompleted: StateVerifying,
		EventPurchaseCancelled: StateIdle,
		EventPurchaseFailed:    StateIdle,
	},
	StateVerifying: {
		EventVerifySucceeded:         StateReconciled,
		EventVerifyPersistenceFailed: StateRetryableSyncFailure,
		EventVerifyRejected:          StateRejected,
	},
	StateReconciled: {
		EventPurchaseStarted: StatePurchasing,
		EventRestoreStarted:  StateVerifying,
		EventReset:           StateIdle,
	},
	StateRetryableSyncFailure: {
		EventRetryRequested: StateVerifying,
		EventRestoreStarted: StateVerifying,
		EventReset:          StateIdle,
	},
	StateRejected: {
		EventRestoreStarted: StateVerifying,
		EventReset:          StateIdle,
	},
}

// Next returns the state reached from s on event t
func Next(s State, t EventType) (State, error) {
	next, ok := transitions[s][t]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
	}
	return next, nil
}

// EntitlementAPI is the remote entitlement service
type EntitlementAPI interface {
	Verify(ctx context.Context, userID, token string, env entitlement.Environment) (*api.EntitlementResponse, error)
	GetEntitlement(ctx context.Context, userID string) (*api.EntitlementResponse, error)
}

// Billing is the platform billing collaborator
type Billing interface {
	// Purchase buys productID and returns the signed transaction.
	// Returns ErrPurchaseCancelled when the user backs out.
	Purchase(ctx context.Context, productID string) (string, error)

	// CurrentEntitlements returns the signed transactions the platform currently holds
	CurrentEntitlements(ctx context.Context) ([]string, error)
}

// Config holds flow configuration
type Config struct {
	// UserID is the account the purchases belong to (required)
	UserID string

	// Environment is the purchase environment hint sent with every token
	Environment entitlement.Environment

	// TokenTimeout bounds each token verification during restore (default: 15s)
	TokenTimeout time.Duration

	// RestoreConcurrency bounds parallel verifications during restore (default: 4)
	RestoreConcurrency int

	// OnTransition is called after every applied transition, outside the flow lock
	OnTransition func(from, to State, ev Event)

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// Flow is the client reconciliation state machine.
// Events are processed one at a time in FIFO order.
type Flow struct {
	api     EntitlementAPI
	billing Billing
	config  Config

	mu          sync.Mutex
	state       State
	token       string
	retryTokens []string
	entitlement *api.EntitlementResponse
	lastErr     error
	queue       []Event
	draining    bool
}

// NewFlow creates a flow in StateIdle
func NewFlow(remote EntitlementAPI, billing Billing, config Config) (*Flow, error) {
	if remote == nil || billing == nil {
		return nil, fmt.Errorf("entitlement api and billing are required")
	}
	if !entitlement.ValidUserID(config.UserID) {
		return nil, fmt.Errorf("%w: invalid user id %q", entitlement.ErrBadRequest, config.UserID)
	}
	if config.TokenTimeout <= 0 {
		config.TokenTimeout = 15 * time.Second
	}
	if config.RestoreConcurrency <= 0 {
		config.RestoreConcurrency = 4
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Flow{api: remote, billing: billing, config: config, state: StateIdle}, nil
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Entitlement returns the last reconciled entitlement, nil before the first success
func (f *Flow) Entitlement() *api.EntitlementResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entitlement
}

// PendingToken returns the token awaiting a successful sync
func (f *Flow) PendingToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// LastError returns the error of the last failure event
func (f *Flow) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Dispatch queues ev and drains the queue. When another caller is already
// draining, ev is processed by that caller and Dispatch returns nil.
// Otherwise the first invalid transition met while draining is returned.
func (f *Flow) Dispatch(ev Event) error {
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	if f.draining {
		f.mu.Unlock()
		return nil
	}
	f.draining = true

	var firstErr error
	for len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]

		from := f.state
		to, err := Next(from, next.Type)
		if err != nil {
			f.config.Logger.Warn("dropped event",
				entitlement.Field{Key: "state", Value: from.String()},
				entitlement.Field{Key: "event", Value: next.Type.String()},
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		f.apply(to, next)

		if cb := f.config.OnTransition; cb != nil {
			f.mu.Unlock()
			cb(from, to, next)
			f.mu.Lock()
		}
	}
	f.draining = false
	f.mu.Unlock()
	return firstErr
}

// apply records the effects of an accepted event. Caller holds f.mu.
func (f *Flow) apply(to State, ev Event) {
	f.state = to
	switch ev.Type {
	case EventPurchaseCompleted:
		f.token = ev.Token
		f.retryTokens = nil
		f.lastErr = nil
	case EventVerifySucceeded:
		f.entitlement = ev.Entitlement
		f.token = ""
		f.retryTokens = nil
		f.lastErr = nil
	case EventVerifyRejected:
		f.token = ""
		f.retryTokens = nil
		f.lastErr = ev.Err
	case EventVerifyPersistenceFailed:
		if len(ev.RetryTokens) > 0 {
			f.retryTokens = ev.RetryTokens
		}
		f.lastErr = ev.Err
	case EventPurchaseCancelled, EventPurchaseFailed:
		f.lastErr = ev.Err
	case EventReset:
		f.token = ""
		f.retryTokens = nil
		f.lastErr = nil
	}
}

// Purchase buys productID through the billing collaborator and verifies the resulting token
func (f *Flow) Purchase(ctx context.Context, productID string) (*api.EntitlementResponse, error) {
	if err := f.Dispatch(Event{Type: EventPurchaseStarted}); err != nil {
		return nil, err
	}

	token, err := f.billing.Purchase(ctx, productID)
	if err != nil {
		evType := EventPurchaseFailed
		if errors.Is(err, ErrPurchaseCancelled) {
			evType = EventPurchaseCancelled
		}
		_ = f.Dispatch(Event{Type: evType, Err: err})
		return nil, err
	}

	if err := f.Dispatch(Event{Type: EventPurchaseCompleted, Token: token}); err != nil {
		return nil, err
	}
	return f.verify(ctx, token)
}

// RetrySync re-submits the pending purchase token after a retryable failure.
// After a failed restore it re-submits the restored tokens that may still succeed.
// An empty token is never sent.
func (f *Flow) RetrySync(ctx context.Context) (*api.EntitlementResponse, error) {
	f.mu.Lock()
	token := f.token
	restoreTokens := append([]string(nil), f.retryTokens...)
	f.mu.Unlock()

	if token == "" && len(restoreTokens) == 0 {
		return nil, fmt.Errorf("%w: no pending transaction to retry", ErrInvalidTransition)
	}
	if err := f.Dispatch(Event{Type: EventRetryRequested}); err != nil {
		return nil, err
	}
	if token != "" {
		return f.verify(ctx, token)
	}
	if _, err := f.settleRestore(ctx, f.verifyAll(ctx, restoreTokens)); err != nil {
		return nil, err
	}
	return f.Entitlement(), nil
}

// Reset returns a settled flow to StateIdle
func (f *Flow) Reset() error {
	return f.Dispatch(Event{Type: EventReset})
}

func (f *Flow) verify(ctx context.Context, token string) (*api.EntitlementResponse, error) {
	ent, err := f.api.Verify(ctx, f.config.UserID, token, f.config.Environment)
	if err != nil {
		_ = f.Dispatch(failureEvent(err))
		return nil, err
	}
	_ = f.Dispatch(Event{Type: EventVerifySucceeded, Entitlement: ent})
	return ent, nil
}

// failureEvent classifies a verify error. Only an untrustworthy token or a
// malformed request is final; anything else may succeed with the same token.
func failureEvent(err error) Event {
	if errors.Is(err, entitlement.ErrVerificationFailed) || errors.Is(err, entitlement.ErrBadRequest) {
		return Event{Type: EventVerifyRejected, Err: err}
	}
	return Event{Type: EventVerifyPersistenceFailed, Err: err}
}
