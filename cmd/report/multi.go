package report

import (
	"context"
	"sync/atomic"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// Multi sends every missing record to each reporter in turn and stops at the first error
type Multi []reconcile.Reporter

func (m Multi) Report(ctx context.Context, mapping *reconcile.TableMapping, rec reconcile.MissingRecord) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, mapping, rec); err != nil {
			return err
		}
	}
	return nil
}

// Counter counts reported records. It is safe for concurrent use.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Report(context.Context, *reconcile.TableMapping, reconcile.MissingRecord) error {
	c.n.Add(1)
	return nil
}

func (c *Counter) Count() int64 { return c.n.Load() }
