package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// writePolicy bounds how long a snapshot or audit write keeps retrying
// while another connection holds the write lock.
type writePolicy struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

var defaultWritePolicy = writePolicy{
	attempts: 4,
	base:     50 * time.Millisecond,
	ceiling:  500 * time.Millisecond,
}

// delay doubles base per attempt up to ceiling and adds up to base of
// jitter so concurrent writers spread out.
func (p writePolicy) delay(attempt int) time.Duration {
	d := p.base << uint(attempt)
	if d <= 0 || d > p.ceiling {
		d = p.ceiling
	}
	if p.base > 0 {
		d += rand.N(p.base)
	}
	return d
}

// contended reports whether err is lock or WAL contention that clears once
// the other writer commits. busy_timeout absorbs most of it before it
// surfaces here.
func contended(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return se.Code() == sqlite3.SQLITE_IOERR_SHORT_READ
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// write runs one snapshot or audit statement named op, retrying it while
// the database is contended. Other failures return at once. Waiting stops
// when ctx is done.
func (s *Store) write(ctx context.Context, op string, fn func(context.Context) error) error {
	p := s.writes
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !contended(err) {
			return err
		}
		if attempt+1 >= p.attempts {
			return fmt.Errorf("%s: still contended after %d attempts: %w", op, p.attempts, err)
		}

		wait := p.delay(attempt)
		log.Debugf("%s contended, retrying in %s: %s", op, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last: %v)", op, ctx.Err(), err)
		case <-timer.C:
		}
	}
}
