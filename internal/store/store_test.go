package store

import (
	"context"
	"testing"
	"time"

	"github.com/mbtatracker-data/internal/model"
)

func TestValuesPlaceholders(t *testing.T) {
	cases := []struct {
		rows, cols int
		want       string
	}{
		{1, 1, "($1)"},
		{1, 3, "($1,$2,$3)"},
		{2, 2, "($1,$2),($3,$4)"},
		{3, 1, "($1),($2),($3)"},
	}
	for _, tc := range cases {
		if got := valuesPlaceholders(tc.rows, tc.cols); got != tc.want {
			t.Errorf("valuesPlaceholders(%d, %d) = %q, want %q", tc.rows, tc.cols, got, tc.want)
		}
	}
}

func TestChunkingRespectsBatchSize(t *testing.T) {
	preds := make([]model.Prediction, 7)
	for i := range preds {
		preds[i].TripID = "T" + string(rune('a'+i))
		preds[i].StopID = "S1"
	}
	chunks := chunkPredictions(preds, 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[1]) != 3 || len(chunks[2]) != 1 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestDedupePredictionsKeepsNewest(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	in := []model.Prediction{
		{TripID: "T1", StopID: "S1", Status: model.StatusOnTime, ObservedAt: t0},
		{TripID: "T1", StopID: "S1", Status: model.StatusLate, ObservedAt: t1},
		{TripID: "T2", StopID: "S1", Status: model.StatusOnTime, ObservedAt: t0},
	}
	out := dedupePredictions(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped predictions, got %d", len(out))
	}
	if out[0].Status != model.StatusLate {
		t.Errorf("expected newest observation to win, got status %s", out[0].Status)
	}
}

func TestMemoryIdempotentRewrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	batch := &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
	}}

	first, err := m.Write(ctx, batch)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if first.Inserted != 1 || first.Updated != 0 {
		t.Fatalf("first write: expected inserted=1 updated=0, got %+v", first)
	}

	second, err := m.Write(ctx, batch)
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 {
		t.Errorf("identical rewrite must be a no-op, got %+v", second)
	}
	if m.RowCount() != 1 {
		t.Errorf("expected 1 stored row, got %d", m.RowCount())
	}
}

func TestMemoryMonotonicSupersede(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	if _, err := m.Write(ctx, &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
	}}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	res, err := m.Write(ctx, &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusLate, ObservedAt: t1},
	}})
	if err != nil {
		t.Fatalf("supersede write failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("expected inserted=0 updated=1, got %+v", res)
	}
	if m.RowCount() != 1 {
		t.Errorf("row count must stay 1 after supersede, got %d", m.RowCount())
	}
	got := m.Predictions["T1|S1"]
	if got.Status != model.StatusLate {
		t.Errorf("expected stored status to advance to late, got %s", got.Status)
	}

	// An older observation must never roll the row back.
	res, err = m.Write(ctx, &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
	}})
	if err != nil {
		t.Fatalf("stale write failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 {
		t.Errorf("stale observation must be a no-op, got %+v", res)
	}
	if got := m.Predictions["T1|S1"]; got.Status != model.StatusLate {
		t.Errorf("stale write must not supersede, status now %s", got.Status)
	}
}

func TestMemoryVehicleNaturalKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sample := model.VehiclePosition{
		VehicleID: "V1", Latitude: 42.3, Longitude: -71.1,
		CurrentStatus: model.VehicleInTransit, Timestamp: t0,
	}
	later := sample
	later.Timestamp = t0.Add(15 * time.Second)

	res, err := m.Write(ctx, &model.Batch{Vehicles: []model.VehiclePosition{sample, sample, later}})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Same (vehicle, timestamp) twice collapses; a newer timestamp is a new row.
	if res.Inserted != 2 {
		t.Errorf("expected 2 inserted vehicle samples, got %+v", res)
	}
}

func TestMemorySeedsReferenceDimensions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Write(ctx, &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", ObservedAt: t0},
		{TripID: "T2", StopID: "S2", RouteID: "Orange", ObservedAt: t0},
	}})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, route := range []string{"Red", "Orange"} {
		if _, ok := m.Routes[route]; !ok {
			t.Errorf("route %s not seeded", route)
		}
	}
	for _, stop := range []string{"S1", "S2"} {
		if _, ok := m.Stops[stop]; !ok {
			t.Errorf("stop %s not seeded", stop)
		}
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	m := NewMemory()
	res, err := m.Write(context.Background(), &model.Batch{})
	if err != nil {
		t.Fatalf("empty write failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 {
		t.Errorf("empty batch must write nothing, got %+v", res)
	}
}
