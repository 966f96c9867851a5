package publish

import (
	"context"
	"errors"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// Publisher receives sensor states.
type Publisher interface {
	Publish(ctx context.Context, st types.SensorState) error
}

// Fanout publishes every state to each of its members in order. All members
// are called even when an earlier one fails; the errors are joined.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, st types.SensorState) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
