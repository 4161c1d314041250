package repository

import "time"

type options struct {
	now          func() time.Time
	maxOpenConns int
	skipSchema   bool
}

// Option applies a configuration option to Open.
type Option func(*options)

// WithClock sets the clock used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxOpenConns bounds the postgres connection pool. SQLite always uses
// a single connection.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

// WithoutSchema skips the bootstrap DDL, for databases provisioned
// externally.
func WithoutSchema() Option {
	return func(o *options) {
		o.skipSchema = true
	}
}
