// Package authclient is the caller side of the credential API. It keeps the
// current token pair and guarantees that concurrent authorization failures
// share a single refresh call.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultRefreshTimeout bounds one refresh call.
const DefaultRefreshTimeout = 10 * time.Second

// ErrReauthRequired is returned to every waiter when a refresh fails or times
// out. The caller must log in again; all held tokens have been cleared.
var ErrReauthRequired = errors.New("authclient: re-authentication required")

// Tokens is the pair handed out by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshFunc exchanges a refresh token for a new pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

type coordinatorState int

const (
	stateIdle coordinatorState = iota
	stateRefreshing
)

type refreshResult struct {
	token string
	err   error
}

// RefreshCoordinator is a single-flight state machine. The first caller that
// reports a rejected access token moves it from idle to refreshing and starts
// the only refresh call; later callers queue behind it and are resolved in
// arrival order with the same outcome.
type RefreshCoordinator struct {
	refresh  RefreshFunc
	timeout  time.Duration
	onReauth func(error)

	mu     sync.Mutex
	state  coordinatorState
	tokens Tokens
	queue  []chan refreshResult
}

// CoordinatorOption configures a RefreshCoordinator.
type CoordinatorOption func(*RefreshCoordinator)

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(r *RefreshCoordinator) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithOnReauth registers a hook invoked once per failed refresh, after every
// waiter has been rejected.
func WithOnReauth(fn func(error)) CoordinatorOption {
	return func(r *RefreshCoordinator) { r.onReauth = fn }
}

func NewRefreshCoordinator(refresh RefreshFunc, opts ...CoordinatorOption) *RefreshCoordinator {
	r := &RefreshCoordinator{refresh: refresh, timeout: DefaultRefreshTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetTokens replaces the held pair, typically after login.
func (r *RefreshCoordinator) SetTokens(t Tokens) {
	r.mu.Lock()
	r.tokens = t
	r.mu.Unlock()
}

// Token returns the current access token, or "" when signed out.
func (r *RefreshCoordinator) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens.AccessToken
}

// RefreshToken returns the current refresh token, or "" when signed out.
func (r *RefreshCoordinator) RefreshToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens.RefreshToken
}

// Clear drops both tokens.
func (r *RefreshCoordinator) Clear() {
	r.SetTokens(Tokens{})
}

// Refresh is called with the access token that was just rejected and
// returns the token to retry with. If stale is no longer the held token a
// refresh has already completed and the current token is returned without a
// network call. Cancelling ctx removes only this waiter; the refresh itself
// keeps running for the others.
func (r *RefreshCoordinator) Refresh(ctx context.Context, stale string) (string, error) {
	r.mu.Lock()
	if r.state == stateIdle {
		if r.tokens.AccessToken != "" && stale != r.tokens.AccessToken {
			tok := r.tokens.AccessToken
			r.mu.Unlock()
			return tok, nil
		}
		if r.tokens.RefreshToken == "" {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: no refresh token held", ErrReauthRequired)
		}
		r.state = stateRefreshing
		go r.run(r.tokens.RefreshToken)
	}
	ch := make(chan refreshResult, 1)
	r.queue = append(r.queue, ch)
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		r.dequeue(ch)
		return "", ctx.Err()
	}
}

func (r *RefreshCoordinator) dequeue(ch chan refreshResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == ch {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *RefreshCoordinator) run(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	type outcome struct {
		tokens Tokens
		err    error
	}
	// The call runs apart from the timer so a RefreshFunc that ignores ctx
	// cannot hold the queue past the timeout.
	done := make(chan outcome, 1)
	go func() {
		t, err := r.refresh(ctx, refreshToken)
		if err == nil && t.AccessToken == "" {
			err = errors.New("refresh returned no access token")
		}
		done <- outcome{tokens: t, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	res := refreshResult{token: out.tokens.AccessToken}
	if out.err != nil {
		res = refreshResult{err: fmt.Errorf("%w: %w", ErrReauthRequired, out.err)}
	}

	r.mu.Lock()
	if res.err != nil {
		r.tokens = Tokens{}
	} else {
		r.tokens = out.tokens
	}
	queue := r.queue
	r.queue = nil
	r.state = stateIdle
	hook := r.onReauth
	r.mu.Unlock()

	for _, ch := range queue {
		ch <- res
	}
	if res.err != nil && hook != nil {
		hook(res.err)
	}
}
