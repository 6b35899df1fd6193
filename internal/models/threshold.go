package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedThresholdRecord is returned for config values that are not
// digest:threshold:breachCount.
var ErrMalformedThresholdRecord = errors.New("malformed threshold record")

// ThresholdRecord is the configured threshold for one digest. Records are
// replaced wholesale, never merged.
type ThresholdRecord struct {
	Digest      Digest `json:"digest"`
	Threshold   int64  `json:"threshold"`
	BreachCount int64  `json:"breach_count"`
}

// Format renders the record as digest:threshold:breachCount.
func (r ThresholdRecord) Format() string {
	return fmt.Sprintf("%s:%d:%d", r.Digest, r.Threshold, r.BreachCount)
}

// ParseThresholdRecord parses digest:threshold:breachCount.
func ParseThresholdRecord(value string) (ThresholdRecord, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return ThresholdRecord{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedThresholdRecord, len(parts))
	}

	digest, err := ParseDigest(parts[0])
	if err != nil {
		return ThresholdRecord{}, fmt.Errorf("%w: %v", ErrMalformedThresholdRecord, err)
	}

	threshold, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ThresholdRecord{}, fmt.Errorf("%w: threshold: %v", ErrMalformedThresholdRecord, err)
	}

	breachCount, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ThresholdRecord{}, fmt.Errorf("%w: breach count: %v", ErrMalformedThresholdRecord, err)
	}

	return ThresholdRecord{Digest: digest, Threshold: threshold, BreachCount: breachCount}, nil
}
