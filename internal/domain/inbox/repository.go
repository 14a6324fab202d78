package inbox

import (
	"context"
	"encoding/json"
)

type Repository interface {
	// HasProcessed reports whether a record exists for id.
	HasProcessed(ctx context.Context, id string) (bool, error)

	// MarkProcessed inserts a record for id. A duplicate insert is a silent
	// no-op: implementations rely on a uniqueness constraint with
	// conflict-ignore semantics, not on a prior existence check, so the call
	// stays safe under concurrent delivery of the same event.
	MarkProcessed(ctx context.Context, id string, metadata json.RawMessage) error
}
