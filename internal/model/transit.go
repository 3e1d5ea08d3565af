package model

import (
	"fmt"
	"time"
)

// PredictionStatus classifies a prediction relative to the schedule.
type PredictionStatus string

const (
	StatusOnTime    PredictionStatus = "on_time"
	StatusLate      PredictionStatus = "late"
	StatusEarly     PredictionStatus = "early"
	StatusCancelled PredictionStatus = "cancelled"
)

// VehicleStatus mirrors the GTFS-RT VehicleStopStatus values.
type VehicleStatus string

const (
	VehicleInTransit  VehicleStatus = "in_transit"
	VehicleStopped    VehicleStatus = "stopped"
	VehicleAtTerminal VehicleStatus = "at_terminal"
)

// Prediction is an arrival/departure estimate for a trip at a stop.
// Natural key: (TripID, StopID, ObservedAt).
type Prediction struct {
	TripID        string
	StopID        string
	RouteID       string
	DirectionID   *int
	ScheduledTime *time.Time
	PredictedTime *time.Time
	Status        PredictionStatus
	ObservedAt    time.Time
}

func (p Prediction) Key() string {
	return fmt.Sprintf("%s|%s|%d", p.TripID, p.StopID, p.ObservedAt.Unix())
}

// VehiclePosition is a vehicle location sample.
// Natural key: (VehicleID, Timestamp).
type VehiclePosition struct {
	VehicleID     string
	TripID        *string
	RouteID       *string
	Latitude      float64
	Longitude     float64
	Bearing       *float64
	Speed         *float64
	CurrentStatus VehicleStatus
	Timestamp     time.Time
}

func (v VehiclePosition) Key() string {
	return fmt.Sprintf("%s|%d", v.VehicleID, v.Timestamp.Unix())
}

// TripUpdate is a realtime modification to a scheduled trip.
// Natural key: (TripID, StopSequence, Timestamp).
type TripUpdate struct {
	TripID       string
	RouteID      *string
	StopID       *string
	StopSequence int
	DelaySeconds *int
	Cause        string // GTFS-RT schedule relationship: scheduled, skipped, canceled, ...
	Timestamp    time.Time
}

func (t TripUpdate) Key() string {
	return fmt.Sprintf("%s|%d|%d", t.TripID, t.StopSequence, t.Timestamp.Unix())
}

// Alert is a service disruption notice. Natural key: AlertID.
type Alert struct {
	AlertID     string
	RouteIDs    []string
	StopIDs     []string
	Severity    int
	Effect      string
	HeaderText  string
	ActiveStart *time.Time
	ActiveEnd   *time.Time
	ObservedAt  time.Time
}

// Route is a slowly-changing reference dimension keyed by the upstream id.
type Route struct {
	RouteID   string
	RouteType int
	LongName  string
}

// Stop is a slowly-changing reference dimension keyed by the upstream id.
type Stop struct {
	StopID    string
	Name      string
	Latitude  *float64
	Longitude *float64
}

// Batch groups records of all fact kinds produced by one ingestion cycle.
type Batch struct {
	Predictions []Prediction
	Vehicles    []VehiclePosition
	TripUpdates []TripUpdate
	Alerts      []Alert
}

// Len counts all fact records in the batch.
func (b *Batch) Len() int {
	return len(b.Predictions) + len(b.Vehicles) + len(b.TripUpdates) + len(b.Alerts)
}

// Empty reports whether the batch holds no records at all.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}
