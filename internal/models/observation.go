package models

// Observation is one error count to classify. Never stored.
type Observation struct {
	Digest     Digest
	ErrorCount int64

	// Identity is set when the caller supplied a parseable composite key; it
	// only enriches the outbound alert record.
	Identity *Identity
}

// LogPosition locates a record in a partitioned log.
type LogPosition struct {
	Partition int
	Offset    int64
}

// ConfigMessage is one record read from the configuration log. A nil Value
// is a tombstone.
type ConfigMessage struct {
	LogPosition
	Key   []byte
	Value []byte
}
