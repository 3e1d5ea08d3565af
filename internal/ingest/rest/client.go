// Package rest ingests the MBTA V3 REST API (JSON:API documents) for
// predictions and vehicle positions. Untyped payload shapes stop here:
// decoding maps every resource into the strongly typed records of the
// model package before anything else sees them.
package rest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mbtatracker-data/internal/model"
)

// document is the JSON:API envelope returned by every V3 endpoint.
type document struct {
	Data []resource `json:"data"`
}

type resource struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Attributes    json.RawMessage `json:"attributes"`
	Relationships relationships   `json:"relationships"`
}

type relationships struct {
	Route relationship `json:"route"`
	Stop  relationship `json:"stop"`
	Trip  relationship `json:"trip"`
}

type relationship struct {
	Data *relationshipData `json:"data"`
}

type relationshipData struct {
	ID string `json:"id"`
}

func (r relationship) id() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.ID
}

type predictionAttributes struct {
	ArrivalTime          *string `json:"arrival_time"`
	DepartureTime        *string `json:"departure_time"`
	DirectionID          *int    `json:"direction_id"`
	Status               *string `json:"status"`
	ScheduleRelationship *string `json:"schedule_relationship"`
}

type vehicleAttributes struct {
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Bearing       *float64 `json:"bearing"`
	Speed         *float64 `json:"speed"`
	CurrentStatus string   `json:"current_status"`
	UpdatedAt     string   `json:"updated_at"`
}

// decodePredictions maps a predictions document into candidate records.
// A malformed document fails as a whole; a malformed resource inside an
// otherwise valid document is skipped and counted, its siblings survive.
func decodePredictions(body []byte, observedAt time.Time) ([]model.Prediction, int, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, err
	}

	var out []model.Prediction
	malformed := 0
	for _, res := range doc.Data {
		var attrs predictionAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			malformed++
			continue
		}
		out = append(out, model.Prediction{
			TripID:        res.Relationships.Trip.id(),
			StopID:        res.Relationships.Stop.id(),
			RouteID:       res.Relationships.Route.id(),
			DirectionID:   attrs.DirectionID,
			PredictedTime: parseTimePtr(firstNonNil(attrs.ArrivalTime, attrs.DepartureTime)),
			Status:        predictionStatus(attrs),
			ObservedAt:    observedAt,
		})
	}
	return out, malformed, nil
}

// decodeVehicles maps a vehicles document into candidate records.
func decodeVehicles(body []byte, observedAt time.Time) ([]model.VehiclePosition, int, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, err
	}

	var out []model.VehiclePosition
	malformed := 0
	for _, res := range doc.Data {
		var attrs vehicleAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			malformed++
			continue
		}
		ts := observedAt
		if t := parseTimePtr(&attrs.UpdatedAt); t != nil {
			ts = *t
		}
		vp := model.VehiclePosition{
			VehicleID:     res.ID,
			Latitude:      attrs.Latitude,
			Longitude:     attrs.Longitude,
			Bearing:       attrs.Bearing,
			Speed:         attrs.Speed,
			CurrentStatus: vehicleStatus(attrs.CurrentStatus),
			Timestamp:     ts,
		}
		if id := res.Relationships.Trip.id(); id != "" {
			vp.TripID = &id
		}
		if id := res.Relationships.Route.id(); id != "" {
			vp.RouteID = &id
		}
		out = append(out, vp)
	}
	return out, malformed, nil
}

// predictionStatus maps the V3 schedule relationship and free-text status
// onto the stored enum. The schedule relationship wins: a skipped or
// cancelled stop is cancelled no matter what the status text says.
func predictionStatus(attrs predictionAttributes) model.PredictionStatus {
	if attrs.ScheduleRelationship != nil {
		switch *attrs.ScheduleRelationship {
		case "CANCELLED", "SKIPPED":
			return model.StatusCancelled
		}
	}
	if attrs.Status != nil {
		switch strings.ToLower(strings.TrimSpace(*attrs.Status)) {
		case "delayed", "late":
			return model.StatusLate
		case "early", "ahead of schedule":
			return model.StatusEarly
		case "cancelled", "canceled":
			return model.StatusCancelled
		}
	}
	return model.StatusOnTime
}

func vehicleStatus(s string) model.VehicleStatus {
	switch s {
	case "STOPPED_AT":
		return model.VehicleStopped
	case "IN_TRANSIT_TO", "INCOMING_AT":
		return model.VehicleInTransit
	default:
		return model.VehicleInTransit
	}
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

func firstNonNil(values ...*string) *string {
	for _, v := range values {
		if v != nil && *v != "" {
			return v
		}
	}
	return nil
}
