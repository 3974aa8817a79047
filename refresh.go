package sortie

import (
	"context"
	"errors"
	"sync"
)

// ErrNoRefreshToken is returned when a refresh is needed but no refresh
// token is stored.
var ErrNoRefreshToken = errors.New("no refresh token stored")

type refreshResult struct {
	accessToken string
	err         error
}

// refreshCoordinator serializes token refreshes: at most one call to the
// refresh endpoint is in flight at any time, and every request that hits a
// 401 while that call is pending waits for its outcome instead of starting
// its own. Waiters are woken in FIFO order.
type refreshCoordinator struct {
	store TokenStore
	exec  func(ctx context.Context, refreshToken string) (*AuthResponse, error)

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
}

func newRefreshCoordinator(store TokenStore, exec func(context.Context, string) (*AuthResponse, error)) *refreshCoordinator {
	return &refreshCoordinator{store: store, exec: exec}
}

// Refresh returns a fresh access token, either by performing the refresh
// itself or by waiting on the one already in flight. On failure the stored
// tokens are cleared and every waiter receives the same error.
func (r *refreshCoordinator) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.refreshing {
		ch := make(chan refreshResult, 1)
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()
		select {
		case res := <-ch:
			return res.accessToken, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.refreshing = true
	r.mu.Unlock()

	access, err := r.doRefresh(ctx)

	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.refreshing = false
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{accessToken: access, err: err}
	}
	return access, err
}

func (r *refreshCoordinator) doRefresh(ctx context.Context) (string, error) {
	_, refreshToken, err := r.store.Load()
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		r.store.Clear()
		return "", ErrNoRefreshToken
	}

	resp, err := r.exec(ctx, refreshToken)
	if err != nil {
		r.store.Clear()
		return "", err
	}
	if err := r.store.Save(resp.AccessToken, resp.RefreshToken); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}
