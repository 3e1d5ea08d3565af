// Package validate checks candidate records for structural and semantic
// correctness before they reach storage. Rejections are per-record values;
// a bad record never stops its siblings.
package validate

import (
	"fmt"
	"time"

	"github.com/mbtatracker-data/internal/clock"
	"github.com/mbtatracker-data/internal/model"
)

// Service-region bounds for the MBTA network (greater Boston).
const (
	latMin = 42.0
	latMax = 43.0
	lonMin = -71.5
	lonMax = -70.5
)

// Staleness and horizon bounds per record kind.
const (
	maxVehicleAge        = 30 * time.Minute
	maxTripUpdateAge     = time.Hour
	maxPredictionHorizon = 2 * time.Hour
	maxDelaySeconds      = 3600
)

// Rejection describes one refused record.
type Rejection struct {
	Kind   string
	Key    string
	Reason string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s %s: %s", r.Kind, r.Key, r.Reason)
}

// Result splits a candidate batch into accepted records and rejections.
type Result struct {
	Accepted   model.Batch
	Rejections []Rejection
}

type Validator struct {
	clock clock.Clock
}

func New(clk clock.Clock) *Validator {
	return &Validator{clock: clk}
}

// Batch validates every record in the candidate batch independently.
func (v *Validator) Batch(candidate *model.Batch) Result {
	var res Result
	now := v.clock.Now()

	for _, p := range candidate.Predictions {
		if reason := v.checkPrediction(p, now); reason != "" {
			res.Rejections = append(res.Rejections, Rejection{Kind: "prediction", Key: p.Key(), Reason: reason})
			continue
		}
		res.Accepted.Predictions = append(res.Accepted.Predictions, p)
	}
	for _, vp := range candidate.Vehicles {
		if reason := v.checkVehicle(vp, now); reason != "" {
			res.Rejections = append(res.Rejections, Rejection{Kind: "vehicle_position", Key: vp.Key(), Reason: reason})
			continue
		}
		res.Accepted.Vehicles = append(res.Accepted.Vehicles, vp)
	}
	for _, tu := range candidate.TripUpdates {
		if reason := v.checkTripUpdate(tu, now); reason != "" {
			res.Rejections = append(res.Rejections, Rejection{Kind: "trip_update", Key: tu.Key(), Reason: reason})
			continue
		}
		res.Accepted.TripUpdates = append(res.Accepted.TripUpdates, tu)
	}
	for _, a := range candidate.Alerts {
		if reason := v.checkAlert(a); reason != "" {
			res.Rejections = append(res.Rejections, Rejection{Kind: "alert", Key: a.AlertID, Reason: reason})
			continue
		}
		res.Accepted.Alerts = append(res.Accepted.Alerts, a)
	}

	return res
}

func (v *Validator) checkPrediction(p model.Prediction, now time.Time) string {
	if p.TripID == "" {
		return "missing trip id"
	}
	if p.StopID == "" {
		return "missing stop id"
	}
	if p.RouteID == "" {
		return "missing route id"
	}
	if p.ObservedAt.IsZero() {
		return "missing observed-at timestamp"
	}
	if p.PredictedTime != nil && p.PredictedTime.After(now.Add(maxPredictionHorizon)) {
		return fmt.Sprintf("predicted time %s beyond %s horizon", p.PredictedTime.Format(time.RFC3339), maxPredictionHorizon)
	}
	return ""
}

func (v *Validator) checkVehicle(vp model.VehiclePosition, now time.Time) string {
	if vp.VehicleID == "" {
		return "missing vehicle id"
	}
	if vp.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if age := now.Sub(vp.Timestamp); age > maxVehicleAge {
		return fmt.Sprintf("position is %s old, limit %s", age, maxVehicleAge)
	}
	if vp.Timestamp.After(now.Add(time.Minute)) {
		return "timestamp is in the future"
	}
	if vp.Latitude < latMin || vp.Latitude > latMax || vp.Longitude < lonMin || vp.Longitude > lonMax {
		return fmt.Sprintf("coordinates (%.5f, %.5f) outside service region", vp.Latitude, vp.Longitude)
	}
	return ""
}

func (v *Validator) checkTripUpdate(tu model.TripUpdate, now time.Time) string {
	if tu.TripID == "" {
		return "missing trip id"
	}
	if tu.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if age := now.Sub(tu.Timestamp); age > maxTripUpdateAge {
		return fmt.Sprintf("update is %s old, limit %s", age, maxTripUpdateAge)
	}
	if tu.DelaySeconds != nil {
		if d := *tu.DelaySeconds; d < -maxDelaySeconds || d > maxDelaySeconds {
			return fmt.Sprintf("delay %ds outside ±%ds bound", d, maxDelaySeconds)
		}
	}
	return ""
}

func (v *Validator) checkAlert(a model.Alert) string {
	if a.AlertID == "" {
		return "missing alert id"
	}
	if a.ActiveStart != nil && a.ActiveEnd != nil && a.ActiveEnd.Before(*a.ActiveStart) {
		return "active period ends before it starts"
	}
	return ""
}
