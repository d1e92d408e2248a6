// Package listener runs the realtime source connections: one MTProto session
// per Telegram user account and the shared Twitter filtered stream.
package listener

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/maheshrc27/relayflow/internal/models"
)

const (
	StateStopped        = "stopped"
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateConnected      = "connected"
	StateReauthRequired = "reauth_required"
	StateRuleSyncing    = "rule_syncing"
	StateStreaming      = "streaming"
	StateBackoffWait    = "backoff_wait"
)

var ErrStopped = errors.New("listener stopped")

// Dispatcher hands normalized events to the relay. Implementations must not
// block on task matching or execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.IncomingContent) error
}

// TaskDispatcher is a Dispatcher that can restrict an event to known tasks.
type TaskDispatcher interface {
	DispatchTasks(ctx context.Context, event *models.IncomingContent, taskIDs []int64) error
}

// ReauthHandler disables a source account whose session can no longer be
// used.
type ReauthHandler interface {
	DisableSource(ctx context.Context, accountID int64, reason string) error
}

// unrecoverableAuthCodes are RPC error types after which a session never
// works again without the user signing in.
var unrecoverableAuthCodes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// IsUnrecoverableAuthCode reports whether an RPC error type means the session
// is gone for good.
func IsUnrecoverableAuthCode(code string) bool {
	return slices.Contains(unrecoverableAuthCodes, code)
}

// AuthError is returned by sessions whose authorization was revoked.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "session unauthorized: " + e.Code
	}
	return fmt.Sprintf("session unauthorized: %s: %v", e.Code, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthCode returns the reason code when err is an AuthError.
func AuthCode(err error) (string, bool) {
	var aerr *AuthError
	if errors.As(err, &aerr) {
		return aerr.Code, true
	}
	return "", false
}

// Subscription is the running handle returned by Start. Stop is the only way
// to tear the listener down and is safe to call more than once.
type Subscription struct {
	once sync.Once
	stop func(ctx context.Context) error
	err  error
}

func newSubscription(stop func(ctx context.Context) error) *Subscription {
	return &Subscription{stop: stop}
}

func (s *Subscription) Stop(ctx context.Context) error {
	s.once.Do(func() { s.err = s.stop(ctx) })
	return s.err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
