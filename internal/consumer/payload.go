package consumer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// sensor window the firmware trusts, exclusive
const (
	sensorMin = 20.0
	sensorMax = 50.0

	// contact and infrared within this many degrees count as one combined sample
	combinedTolerance = 0.5

	batteryEmptyVolts = 3.0
	batteryFullVolts  = 4.2
)

// readingPayload firmware temperature message
type readingPayload struct {
	DeviceID        string          `json:"deviceId"`
	InfraredTemp    *float64        `json:"infraredTemp" validate:"required"`
	ContactTemp     *float64        `json:"contactTemp"`
	AmbientTemp     *float64        `json:"ambientTemp"`
	MeasurementType string          `json:"measurementType" validate:"omitempty,oneof=infrared contact combined"`
	Timestamp       int64           `json:"timestamp" validate:"gte=0"`
	IsValid         *bool           `json:"isValid"`
	Metadata        *readingMetaRaw `json:"metadata"`
}

type readingMetaRaw struct {
	BatteryLevel    *float64 `json:"batteryLevel"`
	SignalStrength  *float64 `json:"signalStrength"`
	FirmwareVersion string   `json:"firmwareVersion"`
}

// statusPayload firmware heartbeat
type statusPayload struct {
	DeviceID        string   `json:"deviceId"`
	Status          string   `json:"status" validate:"required,oneof=online offline error maintenance"`
	BatteryLevel    *float64 `json:"batteryLevel" validate:"omitempty,gte=0"`
	SignalStrength  *float64 `json:"signalStrength"`
	FirmwareVersion string   `json:"firmwareVersion"`
	Uptime          int64    `json:"uptime"`
	FreeMemory      int64    `json:"freeMemory"`
}

func validatePayload(v *validator.Validate, p interface{}) error {
	if err := v.Struct(p); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid payload: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func inSensorRange(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && *v > sensorMin && *v < sensorMax
}

// normalizeReading picks the primary temperature: contact when the probe is
// in range, infrared otherwise. Both in range and agreeing is "combined".
func normalizeReading(p readingPayload, d *models.Device, now time.Time) models.Reading {
	r := models.Reading{
		DeviceID:  d.DeviceID,
		UserID:    d.UserID,
		Timestamp: now.UTC(),
		Valid:     p.IsValid == nil || *p.IsValid,
	}
	if p.Timestamp > 0 {
		r.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}

	contactOK := inSensorRange(p.ContactTemp)
	infraredOK := inSensorRange(p.InfraredTemp)

	switch {
	case contactOK && infraredOK && math.Abs(*p.ContactTemp-*p.InfraredTemp) <= combinedTolerance:
		r.Temperature = *p.ContactTemp
		r.Channel = models.MeasurementCombined
	case contactOK:
		r.Temperature = *p.ContactTemp
		r.Channel = models.MeasurementContact
	case infraredOK:
		r.Temperature = *p.InfraredTemp
		r.Channel = models.MeasurementInfrared
	default:
		r.Temperature = *p.InfraredTemp
		r.Channel = models.MeasurementInfrared
		r.Valid = false
	}
	return r
}

// normalizeStatus converts firmware units: battery volts to percent, RSSI
// clamped to [-100,0]
func normalizeStatus(p statusPayload, d *models.Device, now time.Time) models.StatusReport {
	report := models.StatusReport{
		DeviceID:        d.DeviceID,
		UserID:          d.UserID,
		Status:          models.DeviceStatus(p.Status),
		FirmwareVersion: p.FirmwareVersion,
		ReportedAt:      now.UTC(),
	}
	if p.BatteryLevel != nil {
		v := batteryPercent(*p.BatteryLevel)
		report.BatteryLevel = &v
	}
	if p.SignalStrength != nil {
		v := models.ClampSignal(int(math.Round(*p.SignalStrength)))
		report.SignalStrength = &v
	}
	return report
}

// batteryPercent values above 5 are already a percentage
func batteryPercent(v float64) int {
	if v > 5 {
		return models.ClampBattery(int(math.Round(v)))
	}
	pct := (v - batteryEmptyVolts) / (batteryFullVolts - batteryEmptyVolts) * 100
	return models.ClampBattery(int(math.Round(pct)))
}

// deviceFromTopic botcareu/device/{id}/...
func deviceFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != "botcareu" || parts[1] != "device" || parts[2] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[2], nil
}
