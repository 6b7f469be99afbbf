package vaultsession

import (
	"context"
	"errors"
)

// With opens a session, runs fn with it and closes it on every exit path,
// including a failed Open and a panic in fn or in a collaborator.
//
// If opening or fn fails, that error is returned and a cleanup failure is
// attached to it. If everything succeeded except cleanup, the cleanup
// error is returned on its own and IsCleanupOnly reports true for it.
func With(ctx context.Context, cfg Config, fn func(ctx context.Context, s *Session) error, opts ...Option) (err error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := s.Close()
		var attached *CleanupAttachedError
		switch {
		case closeErr == nil:
		case err != nil && errors.As(err, &attached):
			// Open already reported its cleanup failure; the retry failed too.
			s.logger.Debug("Cleanup retry failed: %v", closeErr)
		case err != nil:
			err = attachCleanup(err, closeErr)
		default:
			err = &cleanupOnlyError{err: closeErr}
		}
	}()

	if err := s.Open(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}
