package diag

import "github.com/pkg/errors"

// ErrOutOfRange is returned by Collector.Get for an index outside [0, Count()).
var ErrOutOfRange = errors.New("diagnostic index out of range")

// Collector accumulates diagnostics in insertion order. It is not safe for
// concurrent use.
type Collector struct {
	errs []*ParserError
}

// Add appends e. Nil errors are ignored.
func (c *Collector) Add(e *ParserError) {
	if e == nil {
		return
	}
	c.errs = append(c.errs, e)
}

// Count returns the number of diagnostics held.
func (c *Collector) Count() int { return len(c.errs) }

// Get returns the i-th diagnostic.
func (c *Collector) Get(i int) (*ParserError, error) {
	if i < 0 || i >= len(c.errs) {
		return nil, errors.Wrapf(ErrOutOfRange, "index %d, have %d", i, len(c.errs))
	}
	return c.errs[i], nil
}

// Clear drops every diagnostic.
func (c *Collector) Clear() { c.errs = nil }

// All returns a copy of the held diagnostics.
func (c *Collector) All() []*ParserError {
	out := make([]*ParserError, len(c.errs))
	copy(out, c.errs)
	return out
}
