// Package remote defines the narrow document-database interface the
// tiered store consumes, with postgres, S3 and in-memory backends.
// Documents are flat field maps carrying an implicit lastUpdate
// timestamp used for conflict detection.
package remote

import (
	"context"
	"time"

	"github.com/smolin/medvault/internal/record"
)

// Filter is one predicate applied when streaming a collection.
// Equality ops compare values structurally; ordering ops apply to
// numbers only.
type Filter struct {
	Field string
	Op    string // "==", "!=", ">", ">=", "<", "<="
	Value record.Value
}

// StreamItem is one element of a collection stream. Err is non-nil for
// a terminal stream failure; the channel closes afterwards.
type StreamItem struct {
	ID  string
	Doc *record.Document
	Err error
}

// SetOption configures a SetDocument call.
type SetOption func(*setConfig)

type setConfig struct {
	lastSeen     time.Time
	precondition bool
}

// WithLastSeen makes the write conditional: it succeeds only while the
// stored document's lastUpdate still equals t. A mismatch yields
// common.ErrVersionConflict instead of overwriting blindly.
func WithLastSeen(t time.Time) SetOption {
	return func(c *setConfig) {
		c.lastSeen = t
		c.precondition = true
	}
}

func applySetOptions(opts []SetOption) setConfig {
	var c setConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Store is the remote authoritative tier.
type Store interface {
	// GetByID returns the document, common.ErrNotFound when absent, or
	// common.ErrRemoteUnavailable on transport failure.
	GetByID(ctx context.Context, collection, id string) (*record.Document, error)

	// StreamCollection sends every matching document. The returned
	// channel is closed when the stream ends; a transport failure is
	// delivered as a final StreamItem with Err set.
	StreamCollection(ctx context.Context, collection string, filters []Filter) <-chan StreamItem

	// SetDocument writes fields under id, refreshing lastUpdate.
	SetDocument(ctx context.Context, collection, id string, fields record.Fields, opts ...SetOption) error

	// DeleteDocument removes a document; deleting an absent one is not
	// an error.
	DeleteDocument(ctx context.Context, collection, id string) error
}

// matchFilters applies filters to a document, shared by backends that
// filter client-side.
func matchFilters(doc *record.Document, filters []Filter) bool {
	for _, f := range filters {
		v, present := doc.Fields[f.Field]
		switch f.Op {
		case "==":
			if !present || !v.Equal(f.Value) {
				return false
			}
		case "!=":
			if present && v.Equal(f.Value) {
				return false
			}
		case ">", ">=", "<", "<=":
			n, okN := v.AsNumber()
			w, okW := f.Value.AsNumber()
			if !present || !okN || !okW || !compareNumbers(n, w, f.Op) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compareNumbers(a, b float64, op string) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	default:
		return false
	}
}
