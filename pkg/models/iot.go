package models

import (
	"time"

	"github.com/google/uuid"
)

// IoTReading is one telemetry sample pushed by a field sensor.
type IoTReading struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	Sensor     string    `db:"sensor"      json:"sensor"`
	Metric     string    `db:"metric"      json:"metric"`
	Value      float64   `db:"value"       json:"value"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
