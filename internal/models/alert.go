package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AlertFieldCount is the number of ';' separated fields in an alert record.
const AlertFieldCount = 8

// ErrMalformedAlertRecord is returned by ParseAlertRecord for records with
// too few fields or non-integer counts.
var ErrMalformedAlertRecord = errors.New("malformed alert record")

// Alert is a threshold breach published to the outbound alert log.
type Alert struct {
	// Identity is zero when the observation arrived as a bare digest.
	Identity    Identity  `json:"identity"`
	Digest      Digest    `json:"digest"`
	ErrorCount  int64     `json:"error_count"`
	Threshold   int64     `json:"threshold"`
	BreachCount int64     `json:"alert_times"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Format renders the positional record
// propertyId;tenantId;type;interface;hash;errorCount;threshold;alertTimes.
func (a *Alert) Format() string {
	return strings.Join([]string{
		a.Identity.PropertyID,
		a.Identity.TenantID,
		a.Identity.TransactionType,
		a.Identity.InterfaceID,
		a.Digest.String(),
		strconv.FormatInt(a.ErrorCount, 10),
		strconv.FormatInt(a.Threshold, 10),
		strconv.FormatInt(a.BreachCount, 10),
	}, KeySeparator)
}

// ParseAlertRecord parses the positional record produced by Format. Fields
// past the eighth are ignored.
func ParseAlertRecord(value string) (*Alert, error) {
	parts := strings.Split(value, KeySeparator)
	if len(parts) < AlertFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedAlertRecord, AlertFieldCount, len(parts))
	}

	digest, err := ParseDigest(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAlertRecord, err)
	}

	var counts [3]int64
	for i, name := range []string{"error count", "threshold", "alert times"} {
		n, err := strconv.ParseInt(parts[5+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAlertRecord, name, err)
		}
		counts[i] = n
	}

	return &Alert{
		Identity: Identity{
			PropertyID:      parts[0],
			TenantID:        parts[1],
			TransactionType: parts[2],
			InterfaceID:     parts[3],
		},
		Digest:      digest,
		ErrorCount:  counts[0],
		Threshold:   counts[1],
		BreachCount: counts[2],
	}, nil
}
