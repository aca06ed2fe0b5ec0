package backend

import (
	"fmt"

	"github.com/pgmux/pgmux/internal/wire"
)

// Sanitize runs the reset protocol a backend must pass before it can return
// to its pool for reuse by a different client:
//  1. if mid-transaction, issue ROLLBACK and drain to ReadyForQuery
//  2. issue DISCARD ALL to drop prepared statements, portals, temp tables,
//     session-level GUCs and listen/notify registrations
//  3. drain responses until ReadyForQuery('I')
//  4. purge the local statement cache, since the backend has forgotten
//     everything DISCARD ALL just threw away
//  5. clear the dirty flag
//
// Any read/write failure or an unexpected post-reset status leaves the
// connection dirty and returns an error; callers must Close it rather than
// return it to the pool.
func (c *Conn) Sanitize() error {
	if c.TxStatus() != wire.StatusIdle {
		if err := c.runToIdle("ROLLBACK"); err != nil {
			return fmt.Errorf("backend: rollback during sanitize: %w", err)
		}
	}

	if err := c.runToIdle("DISCARD ALL"); err != nil {
		return fmt.Errorf("backend: discard all during sanitize: %w", err)
	}

	c.stmts.Purge()
	c.ClearDirty()
	return nil
}

// runToIdle issues a simple Query and drains responses until ReadyForQuery,
// requiring the post-query status to be idle.
func (c *Conn) runToIdle(sql string) error {
	return c.runExpectingStatus(sql, wire.StatusIdle)
}

// runExpectingStatus issues a simple Query and drains responses until
// ReadyForQuery, requiring the post-query status to match expect.
func (c *Conn) runExpectingStatus(sql string, expect wire.ReadyForQueryStatus) error {
	if err := wire.WriteMessage(c.conn, wire.Query, wire.NullString(nil, sql)); err != nil {
		return err
	}
	for {
		msg, err := c.reader.ReadTyped()
		if err != nil {
			return err
		}
		if msg.Streamed {
			if err := c.reader.DiscardRemaining(); err != nil {
				return err
			}
			continue
		}
		if msg.Tag == wire.ReadyForQuery {
			status := wire.ReadyForQueryStatus(msg.Body[0])
			c.SetTxStatus(status)
			if status != expect {
				return fmt.Errorf("unexpected status %q after %q", status, sql)
			}
			return nil
		}
	}
}

// RunDiscard issues a simple Query and drains to ReadyForQuery, requiring an
// idle post-query status. Used to replay tracked SET statements onto a newly
// acquired backend.
func (c *Conn) RunDiscard(sql string) error {
	return c.runToIdle(sql)
}

// BeginSilently issues a real BEGIN on the backend without relaying its
// response to any client. Used when a session already answered the client's
// own BEGIN locally under deferred-transaction semantics and only now, on
// the first statement that actually needs one, leases a backend.
func (c *Conn) BeginSilently() error {
	return c.runExpectingStatus("BEGIN", wire.StatusInTx)
}

// IssueRollback sends ROLLBACK and drains to ReadyForQuery, without the
// follow-up DISCARD ALL. Used when a client disconnects mid-transaction and
// the caller will run the rest of Sanitize separately.
func (c *Conn) IssueRollback() error {
	return c.runToIdle("ROLLBACK")
}

// ExpectMessage reads exactly one message and requires it to carry tag. An
// ErrorResponse is surfaced as an error instead of a tag mismatch, since the
// caller (statement teaching/eviction) has no client to relay it to.
func (c *Conn) ExpectMessage(tag byte) error {
	msg, err := c.reader.ReadTyped()
	if err != nil {
		return err
	}
	if msg.Streamed {
		if err := c.reader.DiscardRemaining(); err != nil {
			return err
		}
		return fmt.Errorf("backend: expected tag %q, got oversized message", tag)
	}
	if msg.Tag == wire.ErrorResponse {
		fields := wire.ParseErrorFields(msg.Body)
		return fmt.Errorf("backend: ErrorResponse while expecting %q: %s", tag, fields['M'])
	}
	if msg.Tag != tag {
		return fmt.Errorf("backend: expected tag %q, got %q", tag, msg.Tag)
	}
	return nil
}

// DrainUntilIdle reads and discards messages until a ReadyForQuery is seen,
// without issuing any query first. Used to resynchronize after a protocol
// error where the backend may still have pending output.
func (c *Conn) DrainUntilIdle() error {
	for {
		msg, err := c.reader.ReadTyped()
		if err != nil {
			return err
		}
		if msg.Streamed {
			if err := c.reader.DiscardRemaining(); err != nil {
				return err
			}
			continue
		}
		if msg.Tag == wire.ReadyForQuery {
			c.SetTxStatus(wire.ReadyForQueryStatus(msg.Body[0]))
			return nil
		}
	}
}
