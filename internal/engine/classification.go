package engine

// Status is the wire name of a classification outcome.
type Status string

const (
	StatusNoThreshold       Status = "no_threshold"
	StatusBelowThreshold    Status = "below_threshold"
	StatusThresholdBreached Status = "alert_triggered"
)

// Classification is one of NoThreshold, BelowThreshold or ThresholdBreached.
type Classification interface {
	Status() Status
	classification()
}

// NoThreshold: the digest has no configured threshold.
type NoThreshold struct{}

// BelowThreshold: the error count is under the configured threshold.
type BelowThreshold struct {
	Threshold int64
}

// ThresholdBreached: the error count met or exceeded the threshold and an
// alert was scheduled.
type ThresholdBreached struct {
	Threshold   int64
	BreachCount int64
}

func (NoThreshold) Status() Status       { return StatusNoThreshold }
func (BelowThreshold) Status() Status    { return StatusBelowThreshold }
func (ThresholdBreached) Status() Status { return StatusThresholdBreached }

func (NoThreshold) classification()       {}
func (BelowThreshold) classification()    {}
func (ThresholdBreached) classification() {}
