// Package table holds the threshold table: digest -> (threshold, breach
// count). The persistent implementation is badger-backed and checkpoints the
// config log position alongside every record, so a restart resumes exactly
// where the last applied record left off.
package table

import (
	"context"
	"errors"

	"github.com/red2n/alerts/internal/models"
)

var (
	// ErrStoreUnavailable is returned while the table is recovering, after it
	// is closed, or when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("threshold table unavailable")

	// ErrCorruptRecord is returned when a stored value does not parse.
	ErrCorruptRecord = errors.New("corrupt threshold record")
)

// Reader is the read side used by the classifier. Absent records are
// reported as ok == false with a nil error.
type Reader interface {
	Get(ctx context.Context, d models.Digest) (models.ThresholdRecord, bool, error)
}
