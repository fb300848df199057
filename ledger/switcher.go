package ledger

import (
	"context"
	"errors"
)

// Switcher lends the shared client to a single party at a time. Every signed
// call made through it is serialised by one process-wide lock.
type Switcher struct {
	client *Client
	sem    chan struct{}
}

// NewSwitcher wraps the shared client.
func NewSwitcher(client *Client) (*Switcher, error) {
	if client == nil {
		return nil, errors.New("ledger: client required")
	}
	return &Switcher{client: client, sem: make(chan struct{}, 1)}, nil
}

// Client exposes the wrapped client for read-only calls, which need no identity.
func (s *Switcher) Client() *Client {
	return s.client
}

// Do runs op as signer.
func (s *Switcher) Do(ctx context.Context, signer Signer, op func(context.Context, *Client) error) error {
	_, err := RunAs(ctx, s, signer, func(ctx context.Context, c *Client) (struct{}, error) {
		return struct{}{}, op(ctx, c)
	})
	return err
}

// RunAs swaps the shared client's identity to signer, runs op, and restores the
// previous identity before returning, including when op fails or panics.
func RunAs[T any](ctx context.Context, s *Switcher, signer Signer, op func(context.Context, *Client) (T, error)) (T, error) {
	var zero T
	if s == nil || op == nil {
		return zero, errors.New("ledger: switcher and operation required")
	}
	if !signer.Valid() {
		return zero, ErrNoSigner
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	defer func() { <-s.sem }()

	prev := s.client.SetOperator(signer)
	defer s.client.SetOperator(prev)

	return op(ctx, s.client)
}
