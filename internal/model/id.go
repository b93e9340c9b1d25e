package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. Run queue items and runs both use ULIDs, so
// identifiers sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
