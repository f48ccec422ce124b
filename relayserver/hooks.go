package relayserver

import (
	"context"
	"time"

	gsn "github.com/gsnrelay/gsn/go"
)

// ============================================================================
// Relay Hook Context Types
// ============================================================================

// RelayContext is passed to relay hooks
type RelayContext struct {
	Ctx       context.Context
	Request   gsn.RelayTransactionRequest
	Timestamp time.Time
}

// RelayResultContext carries a relayed request and the signed transaction
type RelayResultContext struct {
	RelayContext
	Result   gsn.RelayTransactionResponse
	Duration time.Duration
}

// RelayFailureContext carries a rejected request and the error
type RelayFailureContext struct {
	RelayContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Relay Hook Result Types
// ============================================================================

// BeforeHookResult aborts the relay with Reason when Abort is set
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// RelayFailureHookResult replaces the error with Result when Recovered is set
type RelayFailureHookResult struct {
	Recovered bool
	Result    gsn.RelayTransactionResponse
}

// ============================================================================
// Relay Hook Function Types
// ============================================================================

// BeforeRelayHook runs after schema validation and before any chain access.
// An aborted request is rejected with the hook's reason.
type BeforeRelayHook func(RelayContext) (*BeforeHookResult, error)

// AfterRelayHook runs once the transaction is broadcast. Errors are logged.
type AfterRelayHook func(RelayResultContext) error

// OnRelayFailureHook runs when a request is rejected.
type OnRelayFailureHook func(RelayFailureContext) (*RelayFailureHookResult, error)

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (s *RelayServer) OnBeforeRelay(hook BeforeRelayHook) *RelayServer {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.beforeRelayHooks = append(s.beforeRelayHooks, hook)
	return s
}

func (s *RelayServer) OnAfterRelay(hook AfterRelayHook) *RelayServer {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.afterRelayHooks = append(s.afterRelayHooks, hook)
	return s
}

func (s *RelayServer) OnRelayFailure(hook OnRelayFailureHook) *RelayServer {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onRelayFailureHooks = append(s.onRelayFailureHooks, hook)
	return s
}

func (s *RelayServer) hooks() ([]BeforeRelayHook, []AfterRelayHook, []OnRelayFailureHook) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.beforeRelayHooks, s.afterRelayHooks, s.onRelayFailureHooks
}
