package orm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sessionContextKey struct{}

// Session is the unit of work handed to a single request. Transactions run on
// the default engine; binds are reached outside the transaction.
type Session struct {
	id  string
	ctx context.Context
	ext *Extension
	db  *gorm.DB

	mu     sync.Mutex
	tx     *gorm.DB
	closed bool
}

// SessionFromContext returns the session BeforeRequest attached to ctx.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok && s != nil
}

// ContextWithSession attaches s to ctx.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// NewSession opens a session bound to ctx. With pool_pre_ping enabled the
// default engine is pinged first.
func (e *Extension) NewSession(ctx context.Context) (*Session, error) {
	db, err := e.Engine(DefaultBind)
	if err != nil {
		return nil, err
	}
	if e.prePing {
		if err := e.ping(ctx, db); err != nil {
			return nil, fmt.Errorf("pre-ping: %w", err)
		}
	}
	return &Session{id: uuid.NewString(), ctx: ctx, ext: e, db: db}, nil
}

// BeforeRequest acquires a session and returns a context carrying it.
func (e *Extension) BeforeRequest(ctx context.Context) (context.Context, *Session, error) {
	s, err := e.NewSession(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return ContextWithSession(ctx, s), s, nil
}

// Teardown releases s. An open transaction is committed when CommitOnTeardown is
// set and the request did not fail; otherwise it is rolled back.
func (e *Extension) Teardown(s *Session, failed bool) error {
	if s == nil {
		return nil
	}
	var errs []error
	if e.cfg.CommitOnTeardown && !failed && s.InTransaction() {
		if err := s.Commit(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Warn("session_teardown_failed", zap.String("session_id", s.id), zap.Error(err))
		return err
	}
	return nil
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// DB returns the transaction when one is open, otherwise the default engine
// bound to the session context.
func (s *Session) DB() *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db.WithContext(s.ctx)
}

// Bind returns the named engine bound to the session context.
func (s *Session) Bind(name string) (*gorm.DB, error) {
	db, err := s.ext.Engine(name)
	if err != nil {
		return nil, err
	}
	return db.WithContext(s.ctx), nil
}

// InTransaction reports whether Begin was called without a matching Commit or Rollback.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Begin opens a transaction. Calling it while one is open is a no-op.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx != nil {
		return nil
	}
	tx := s.db.WithContext(s.ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction, if any.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

// Close rolls back pending work and marks the session unusable for new transactions.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback().Error; err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
