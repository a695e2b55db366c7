package dedup

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"marketmigration/pkg/store"
)

// Detector decides whether an equivalent record already exists in the
// destination store. It holds no local state: every check is a store lookup
// keyed on the caller's natural-key projection.
type Detector struct {
	dest store.DestinationStore

	mu           sync.Mutex
	lookupErrors []error
}

// NewDetector creates a detector over the destination store
func NewDetector(dest store.DestinationStore) *Detector {
	return &Detector{dest: dest}
}

// Exists reports whether a record with the natural key is already present.
// A lookup failure is treated as "not a duplicate" so a flaky store cannot
// silently drop valid data; the failure is recorded for the run result.
func (d *Detector) Exists(ctx context.Context, table, naturalKey string) bool {
	found, err := d.dest.Exists(ctx, table, naturalKey)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"table": table,
			"key":   naturalKey,
		}).Warn("duplicate lookup failed, treating as new record")

		d.mu.Lock()
		d.lookupErrors = append(d.lookupErrors, err)
		d.mu.Unlock()
		return false
	}
	return found
}

// LookupErrors drains the lookup failures recorded since the last call
func (d *Detector) LookupErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := d.lookupErrors
	d.lookupErrors = nil
	return errs
}
