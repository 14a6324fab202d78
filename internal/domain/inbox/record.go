package inbox

import (
	"encoding/json"
	"time"
)

// Record is one entry in the consumer-side deduplication ledger. Its ID is
// the id of the event being deduplicated; at most one record exists per id.
type Record struct {
	ID          string
	Metadata    json.RawMessage
	ProcessedAt time.Time
}
