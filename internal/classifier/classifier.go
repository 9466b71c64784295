// Package classifier turns raw temperature readings into fever classifications.
package classifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

const (
	DefaultThreshold = 37.5
	MinTemperature   = 30.0
	MaxTemperature   = 45.0
)

var ErrInvalidReading = errors.New("invalid reading")

// severity bands, in tenths of a degree above threshold
const (
	mildBand     = 5
	moderateBand = 10
	highBand     = 20
)

// Classify validates r and grades it against threshold (DefaultThreshold when <= 0).
// Pure; the returned event carries the rounded temperature.
func Classify(r models.Reading, threshold float64) (models.ClassifiedEvent, error) {
	if !r.Valid {
		return models.ClassifiedEvent{}, fmt.Errorf("%w: device %s flagged reading invalid", ErrInvalidReading, r.DeviceID)
	}
	if math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0) {
		return models.ClassifiedEvent{}, fmt.Errorf("%w: temperature is not a number", ErrInvalidReading)
	}
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}

	if r.Temperature < MinTemperature || r.Temperature > MaxTemperature {
		return models.ClassifiedEvent{}, fmt.Errorf("%w: temperature %.2f outside [%.1f, %.1f]",
			ErrInvalidReading, r.Temperature, MinTemperature, MaxTemperature)
	}

	out := r
	out.Temperature = float64(tenths(r.Temperature)) / 10
	ev := models.ClassifiedEvent{
		Reading:       out,
		Threshold:     threshold,
		FeverSeverity: models.SeverityNone,
	}

	// range and threshold are judged on the raw value; tenths only grade the delta
	if r.Temperature < threshold {
		return ev, nil
	}
	ev.FeverDetected = true
	ev.FeverSeverity = Severity(deltaTenths(r.Temperature, threshold))
	return ev, nil
}

// Severity grade for a non-negative delta above threshold, in tenths of a degree
func Severity(deltaTenths int64) models.FeverSeverity {
	switch {
	case deltaTenths < 0:
		return models.SeverityNone
	case deltaTenths < mildBand:
		return models.SeverityMild
	case deltaTenths < moderateBand:
		return models.SeverityModerate
	case deltaTenths < highBand:
		return models.SeverityHigh
	}
	return models.SeverityCritical
}

// PriorityFor maps a fever grade onto a notification priority
func PriorityFor(s models.FeverSeverity) models.Priority {
	switch s {
	case models.SeverityCritical:
		return models.PriorityCritical
	case models.SeverityHigh, models.SeverityModerate:
		return models.PriorityHigh
	case models.SeverityMild:
		return models.PriorityNormal
	}
	return models.PriorityLow
}

func tenths(v float64) int64 {
	return int64(math.Round(v * 10))
}

// deltaTenths whole tenths of a degree by which temp exceeds threshold. The
// epsilon absorbs float error such as 38.3-37.8 = 0.49999.
func deltaTenths(temp, threshold float64) int64 {
	return int64(math.Floor((temp-threshold)*10 + 1e-6))
}
