package models

import "time"

// MeasurementChannel sensor path that produced a reading
type MeasurementChannel string

const (
	MeasurementInfrared MeasurementChannel = "infrared"
	MeasurementContact  MeasurementChannel = "contact"
	MeasurementCombined MeasurementChannel = "combined"
)

// Valid reports whether c is a known channel
func (c MeasurementChannel) Valid() bool {
	switch c {
	case MeasurementInfrared, MeasurementContact, MeasurementCombined:
		return true
	}
	return false
}

// Reading one temperature sample; immutable once built
type Reading struct {
	DeviceID    string             `json:"device_id"`
	UserID      string             `json:"user_id"`
	Temperature float64            `json:"temperature"` // °C, 0.1 precision
	Channel     MeasurementChannel `json:"measurement_type"`
	Timestamp   time.Time          `json:"timestamp"`
	Valid       bool               `json:"is_valid"`
}

// FeverSeverity ordered tier: none < mild < moderate < high < critical
type FeverSeverity string

const (
	SeverityNone     FeverSeverity = "none"
	SeverityMild     FeverSeverity = "mild"
	SeverityModerate FeverSeverity = "moderate"
	SeverityHigh     FeverSeverity = "high"
	SeverityCritical FeverSeverity = "critical"
)

// Rank position in the tier order, -1 for unknown values
func (s FeverSeverity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

// AtLeast reports s >= other in tier order
func (s FeverSeverity) AtLeast(other FeverSeverity) bool {
	return s.Rank() >= other.Rank()
}

// ClassifiedEvent reading annotated with fever classification
type ClassifiedEvent struct {
	Reading
	Threshold     float64       `json:"threshold"`
	FeverDetected bool          `json:"fever_detected"`
	FeverSeverity FeverSeverity `json:"fever_severity"`
}
