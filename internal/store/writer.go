// Package store persists validated transit records into Postgres with
// idempotent, natural-key upsert semantics. A batch write is the unit of
// transactional consistency; a failure anywhere in the batch fails the
// batch as a whole and the next cycle re-ingests from fresh upstream data.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/model"
)

// TxBeginner starts one transaction per batch write. *db.DB satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

// WriteResult reports the fate of one batch write.
type WriteResult struct {
	Inserted int
	Updated  int
	Rejected int
}

func (r *WriteResult) add(o WriteResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Rejected += o.Rejected
}

// Postgres writes batches through lib/pq using ON CONFLICT upserts.
// Re-writing a record with the same natural key and the same or older
// observed-at leaves the stored row untouched; a newer observed-at
// supersedes it in place.
type Postgres struct {
	db        TxBeginner
	batchSize int
	logger    logger.Logger
}

func NewPostgres(database TxBeginner, batchSize int, log logger.Logger) *Postgres {
	return &Postgres{
		db:        database,
		batchSize: batchSize,
		logger:    log,
	}
}

func (w *Postgres) Write(ctx context.Context, batch *model.Batch) (WriteResult, error) {
	var res WriteResult
	if batch.Empty() {
		return res, nil
	}

	tx, err := w.db.BeginTx(ctx)
	if err != nil {
		return res, fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	// Reference dimensions first so fact rows never point at unknown ids.
	if err := w.ensureRoutes(ctx, tx, referencedRoutes(batch)); err != nil {
		return res, err
	}
	if err := w.ensureStops(ctx, tx, referencedStops(batch)); err != nil {
		return res, err
	}

	for _, chunk := range chunkPredictions(dedupePredictions(batch.Predictions), w.batchSize) {
		r, err := w.upsertPredictions(ctx, tx, chunk)
		if err != nil {
			return res, err
		}
		res.add(r)
	}
	for _, chunk := range chunkVehicles(dedupeVehicles(batch.Vehicles), w.batchSize) {
		r, err := w.upsertVehicles(ctx, tx, chunk)
		if err != nil {
			return res, err
		}
		res.add(r)
	}
	for _, chunk := range chunkTripUpdates(dedupeTripUpdates(batch.TripUpdates), w.batchSize) {
		r, err := w.upsertTripUpdates(ctx, tx, chunk)
		if err != nil {
			return res, err
		}
		res.add(r)
	}
	for _, chunk := range chunkAlerts(dedupeAlerts(batch.Alerts), w.batchSize) {
		r, err := w.upsertAlerts(ctx, tx, chunk)
		if err != nil {
			return res, err
		}
		res.add(r)
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("committing batch transaction: %w", err)
	}
	return res, nil
}

func (w *Postgres) upsertPredictions(ctx context.Context, tx *sql.Tx, chunk []model.Prediction) (WriteResult, error) {
	const cols = 8
	query := `
		INSERT INTO predictions (
			trip_id, stop_id, route_id, direction_id,
			scheduled_time, predicted_time, status, observed_at
		) VALUES ` + valuesPlaceholders(len(chunk), cols) + `
		ON CONFLICT (trip_id, stop_id) DO UPDATE SET
			route_id = EXCLUDED.route_id,
			direction_id = EXCLUDED.direction_id,
			scheduled_time = EXCLUDED.scheduled_time,
			predicted_time = EXCLUDED.predicted_time,
			status = EXCLUDED.status,
			observed_at = EXCLUDED.observed_at
		WHERE predictions.observed_at < EXCLUDED.observed_at
		RETURNING (xmax = 0) AS inserted`

	args := make([]interface{}, 0, len(chunk)*cols)
	for _, p := range chunk {
		var direction sql.NullInt32
		if p.DirectionID != nil {
			direction = sql.NullInt32{Int32: int32(*p.DirectionID), Valid: true}
		}
		var scheduled, predicted sql.NullTime
		if p.ScheduledTime != nil {
			scheduled = sql.NullTime{Time: *p.ScheduledTime, Valid: true}
		}
		if p.PredictedTime != nil {
			predicted = sql.NullTime{Time: *p.PredictedTime, Valid: true}
		}
		args = append(args, p.TripID, p.StopID, p.RouteID, direction,
			scheduled, predicted, string(p.Status), p.ObservedAt)
	}

	return w.countUpserts(ctx, tx, "predictions", query, args)
}

func (w *Postgres) upsertVehicles(ctx context.Context, tx *sql.Tx, chunk []model.VehiclePosition) (WriteResult, error) {
	const cols = 9
	query := `
		INSERT INTO vehicle_positions (
			vehicle_id, trip_id, route_id, latitude, longitude,
			bearing, speed, current_status, observed_at
		) VALUES ` + valuesPlaceholders(len(chunk), cols) + `
		ON CONFLICT (vehicle_id, observed_at) DO NOTHING
		RETURNING true AS inserted`

	args := make([]interface{}, 0, len(chunk)*cols)
	for _, v := range chunk {
		var bearing, speed sql.NullFloat64
		if v.Bearing != nil {
			bearing = sql.NullFloat64{Float64: *v.Bearing, Valid: true}
		}
		if v.Speed != nil {
			speed = sql.NullFloat64{Float64: *v.Speed, Valid: true}
		}
		args = append(args, v.VehicleID, nullString(v.TripID), nullString(v.RouteID),
			v.Latitude, v.Longitude, bearing, speed, string(v.CurrentStatus), v.Timestamp)
	}

	return w.countUpserts(ctx, tx, "vehicle_positions", query, args)
}

func (w *Postgres) upsertTripUpdates(ctx context.Context, tx *sql.Tx, chunk []model.TripUpdate) (WriteResult, error) {
	const cols = 7
	query := `
		INSERT INTO trip_updates (
			trip_id, route_id, stop_id, stop_sequence, delay_seconds, cause, observed_at
		) VALUES ` + valuesPlaceholders(len(chunk), cols) + `
		ON CONFLICT (trip_id, stop_sequence) DO UPDATE SET
			route_id = EXCLUDED.route_id,
			stop_id = EXCLUDED.stop_id,
			delay_seconds = EXCLUDED.delay_seconds,
			cause = EXCLUDED.cause,
			observed_at = EXCLUDED.observed_at
		WHERE trip_updates.observed_at < EXCLUDED.observed_at
		RETURNING (xmax = 0) AS inserted`

	args := make([]interface{}, 0, len(chunk)*cols)
	for _, t := range chunk {
		var delay sql.NullInt32
		if t.DelaySeconds != nil {
			delay = sql.NullInt32{Int32: int32(*t.DelaySeconds), Valid: true}
		}
		args = append(args, t.TripID, nullString(t.RouteID), nullString(t.StopID),
			t.StopSequence, delay, t.Cause, t.Timestamp)
	}

	return w.countUpserts(ctx, tx, "trip_updates", query, args)
}

func (w *Postgres) upsertAlerts(ctx context.Context, tx *sql.Tx, chunk []model.Alert) (WriteResult, error) {
	const cols = 9
	query := `
		INSERT INTO alerts (
			alert_id, route_ids, stop_ids, severity, effect,
			header_text, active_start, active_end, observed_at
		) VALUES ` + valuesPlaceholders(len(chunk), cols) + `
		ON CONFLICT (alert_id) DO UPDATE SET
			route_ids = EXCLUDED.route_ids,
			stop_ids = EXCLUDED.stop_ids,
			severity = EXCLUDED.severity,
			effect = EXCLUDED.effect,
			header_text = EXCLUDED.header_text,
			active_start = EXCLUDED.active_start,
			active_end = EXCLUDED.active_end,
			observed_at = EXCLUDED.observed_at
		WHERE alerts.observed_at < EXCLUDED.observed_at
		RETURNING (xmax = 0) AS inserted`

	args := make([]interface{}, 0, len(chunk)*cols)
	for _, a := range chunk {
		var start, end sql.NullTime
		if a.ActiveStart != nil {
			start = sql.NullTime{Time: *a.ActiveStart, Valid: true}
		}
		if a.ActiveEnd != nil {
			end = sql.NullTime{Time: *a.ActiveEnd, Valid: true}
		}
		args = append(args, a.AlertID, pq.Array(a.RouteIDs), pq.Array(a.StopIDs),
			a.Severity, a.Effect, a.HeaderText, start, end, a.ObservedAt)
	}

	return w.countUpserts(ctx, tx, "alerts", query, args)
}

func (w *Postgres) countUpserts(ctx context.Context, tx *sql.Tx, table, query string, args []interface{}) (WriteResult, error) {
	var res WriteResult
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("upserting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return res, fmt.Errorf("scanning %s upsert result: %w", table, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterating %s upsert results: %w", table, err)
	}
	return res, nil
}

// ensureRoutes lazily seeds route ids referenced by fact records. Existing
// rows are never mutated by the ingestion path.
func (w *Postgres) ensureRoutes(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `INSERT INTO routes (route_id) VALUES ` +
		valuesPlaceholders(len(ids), 1) +
		` ON CONFLICT (route_id) DO NOTHING`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seeding routes: %w", err)
	}
	return nil
}

func (w *Postgres) ensureStops(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `INSERT INTO stops (stop_id) VALUES ` +
		valuesPlaceholders(len(ids), 1) +
		` ON CONFLICT (stop_id) DO NOTHING`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seeding stops: %w", err)
	}
	return nil
}

// valuesPlaceholders renders "($1,$2),($3,$4)" for rows x cols parameters.
func valuesPlaceholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func referencedRoutes(batch *model.Batch) []string {
	set := map[string]struct{}{}
	for _, p := range batch.Predictions {
		set[p.RouteID] = struct{}{}
	}
	for _, v := range batch.Vehicles {
		if v.RouteID != nil {
			set[*v.RouteID] = struct{}{}
		}
	}
	for _, t := range batch.TripUpdates {
		if t.RouteID != nil {
			set[*t.RouteID] = struct{}{}
		}
	}
	for _, a := range batch.Alerts {
		for _, id := range a.RouteIDs {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func referencedStops(batch *model.Batch) []string {
	set := map[string]struct{}{}
	for _, p := range batch.Predictions {
		set[p.StopID] = struct{}{}
	}
	for _, t := range batch.TripUpdates {
		if t.StopID != nil {
			set[*t.StopID] = struct{}{}
		}
	}
	for _, a := range batch.Alerts {
		for _, id := range a.StopIDs {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
