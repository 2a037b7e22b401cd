// Package source loads raw preference records from local files, directories
// or hub dataset repos into indexable collections.
package source

import (
	"fmt"

	"github.com/lamim/prefbatch/pkg/models"
)

// Collection is an ordered, indexable set of raw records. Records are
// immutable once loaded; callers only read them.
type Collection struct {
	records []models.RawRecord
}

// NewCollection wraps already-loaded records.
func NewCollection(records []models.RawRecord) *Collection {
	return &Collection{records: records}
}

// Len returns the number of records.
func (c *Collection) Len() int {
	return len(c.records)
}

// Record returns the record at index i.
func (c *Collection) Record(i int) (models.RawRecord, error) {
	if i < 0 || i >= len(c.records) {
		return nil, fmt.Errorf("record index %d out of range [0, %d)", i, len(c.records))
	}
	return c.records[i], nil
}

// Select returns a collection holding the leading n records. A cap larger
// than the collection silently clamps to what is available.
func (c *Collection) Select(n int) *Collection {
	if n >= len(c.records) {
		return c
	}
	return &Collection{records: c.records[:n]}
}
