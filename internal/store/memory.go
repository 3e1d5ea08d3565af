package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/mbtatracker-data/internal/model"
)

// Memory is an in-process writer with the same natural-key upsert semantics
// as the Postgres writer. It backs tests and the --dry-run mode, where
// records are ingested and counted without a database.
type Memory struct {
	mu          sync.Mutex
	Predictions map[string]model.Prediction
	Vehicles    map[string]model.VehiclePosition
	TripUpdates map[string]model.TripUpdate
	Alerts      map[string]model.Alert
	Routes      map[string]struct{}
	Stops       map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		Predictions: make(map[string]model.Prediction),
		Vehicles:    make(map[string]model.VehiclePosition),
		TripUpdates: make(map[string]model.TripUpdate),
		Alerts:      make(map[string]model.Alert),
		Routes:      make(map[string]struct{}),
		Stops:       make(map[string]struct{}),
	}
}

func (m *Memory) Write(ctx context.Context, batch *model.Batch) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res WriteResult

	for _, id := range referencedRoutes(batch) {
		m.Routes[id] = struct{}{}
	}
	for _, id := range referencedStops(batch) {
		m.Stops[id] = struct{}{}
	}

	for _, p := range dedupePredictions(batch.Predictions) {
		k := p.TripID + "|" + p.StopID
		prev, ok := m.Predictions[k]
		switch {
		case !ok:
			m.Predictions[k] = p
			res.Inserted++
		case p.ObservedAt.After(prev.ObservedAt):
			m.Predictions[k] = p
			res.Updated++
		}
	}

	for _, v := range dedupeVehicles(batch.Vehicles) {
		k := v.Key()
		if _, ok := m.Vehicles[k]; !ok {
			m.Vehicles[k] = v
			res.Inserted++
		}
	}

	for _, t := range dedupeTripUpdates(batch.TripUpdates) {
		k := t.TripID + "|" + strconv.Itoa(t.StopSequence)
		prev, ok := m.TripUpdates[k]
		switch {
		case !ok:
			m.TripUpdates[k] = t
			res.Inserted++
		case t.Timestamp.After(prev.Timestamp):
			m.TripUpdates[k] = t
			res.Updated++
		}
	}

	for _, a := range dedupeAlerts(batch.Alerts) {
		prev, ok := m.Alerts[a.AlertID]
		switch {
		case !ok:
			m.Alerts[a.AlertID] = a
			res.Inserted++
		case a.ObservedAt.After(prev.ObservedAt):
			m.Alerts[a.AlertID] = a
			res.Updated++
		}
	}

	return res, nil
}

// RowCount returns the total number of stored fact rows.
func (m *Memory) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Predictions) + len(m.Vehicles) + len(m.TripUpdates) + len(m.Alerts)
}
