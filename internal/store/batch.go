package store

import (
	"strconv"

	"github.com/mbtatracker-data/internal/model"
)

// A single INSERT ... ON CONFLICT statement cannot touch the same key twice,
// so each chunk must hold at most one record per natural key. Dedupe keeps
// the newest observation for a key, matching the supersede rule.

func dedupePredictions(in []model.Prediction) []model.Prediction {
	byKey := map[string]model.Prediction{}
	order := make([]string, 0, len(in))
	for _, p := range in {
		k := p.TripID + "|" + p.StopID
		if prev, ok := byKey[k]; ok {
			if !p.ObservedAt.After(prev.ObservedAt) {
				continue
			}
		} else {
			order = append(order, k)
		}
		byKey[k] = p
	}
	out := make([]model.Prediction, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func dedupeVehicles(in []model.VehiclePosition) []model.VehiclePosition {
	seen := map[string]struct{}{}
	out := make([]model.VehiclePosition, 0, len(in))
	for _, v := range in {
		k := v.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupeTripUpdates(in []model.TripUpdate) []model.TripUpdate {
	byKey := map[string]model.TripUpdate{}
	order := make([]string, 0, len(in))
	for _, t := range in {
		k := keyTripUpdate(t)
		if prev, ok := byKey[k]; ok {
			if !t.Timestamp.After(prev.Timestamp) {
				continue
			}
		} else {
			order = append(order, k)
		}
		byKey[k] = t
	}
	out := make([]model.TripUpdate, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func keyTripUpdate(t model.TripUpdate) string {
	return t.TripID + "|" + strconv.Itoa(t.StopSequence)
}

func dedupeAlerts(in []model.Alert) []model.Alert {
	byKey := map[string]model.Alert{}
	order := make([]string, 0, len(in))
	for _, a := range in {
		if prev, ok := byKey[a.AlertID]; ok {
			if !a.ObservedAt.After(prev.ObservedAt) {
				continue
			}
		} else {
			order = append(order, a.AlertID)
		}
		byKey[a.AlertID] = a
	}
	out := make([]model.Alert, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func chunkPredictions(in []model.Prediction, size int) [][]model.Prediction {
	var out [][]model.Prediction
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func chunkVehicles(in []model.VehiclePosition, size int) [][]model.VehiclePosition {
	var out [][]model.VehiclePosition
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func chunkTripUpdates(in []model.TripUpdate, size int) [][]model.TripUpdate {
	var out [][]model.TripUpdate
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func chunkAlerts(in []model.Alert, size int) [][]model.Alert {
	var out [][]model.Alert
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}
