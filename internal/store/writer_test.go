package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/model"
)

// stubConn is a database/sql driver connection that records every statement
// it sees and answers upsert queries from a scripted set of inserted flags,
// one bool per affected row, keyed by table name.
type stubConn struct {
	stmts     []capturedStmt
	flags     map[string][]bool
	failTable string
	commits   int
	rollbacks int
}

type capturedStmt struct {
	query string
	args  int
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Begin() (driver.Tx, error) { return stubTx{c}, nil }

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.record(query, args)
	if c.failTable != "" && strings.Contains(query, c.failTable) {
		return nil, fmt.Errorf("%s unavailable", c.failTable)
	}
	return driver.RowsAffected(int64(len(args))), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.record(query, args)
	if c.failTable != "" && strings.Contains(query, c.failTable) {
		return nil, fmt.Errorf("%s unavailable", c.failTable)
	}
	for table, flags := range c.flags {
		if strings.Contains(query, "INSERT INTO "+table+" ") {
			return &stubRows{flags: flags}, nil
		}
	}
	return &stubRows{}, nil
}

func (c *stubConn) record(query string, args []driver.NamedValue) {
	c.stmts = append(c.stmts, capturedStmt{query: normalizeSQL(query), args: len(args)})
}

func (c *stubConn) find(t *testing.T, fragment string) capturedStmt {
	t.Helper()
	for _, s := range c.stmts {
		if strings.Contains(s.query, fragment) {
			return s
		}
	}
	t.Fatalf("no captured statement contains %q", fragment)
	return capturedStmt{}
}

type stubTx struct{ conn *stubConn }

func (tx stubTx) Commit() error   { tx.conn.commits++; return nil }
func (tx stubTx) Rollback() error { tx.conn.rollbacks++; return nil }

type stubRows struct {
	flags []bool
	pos   int
}

func (r *stubRows) Columns() []string { return []string{"inserted"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.flags) {
		return io.EOF
	}
	dest[0] = r.flags[r.pos]
	r.pos++
	return nil
}

type stubDriver struct{ conn *stubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

var stubSeq atomic.Int64

// openStub registers a fresh one-connection driver and adapts it to the
// single-argument BeginTx the writer expects.
func openStub(t *testing.T, conn *stubConn) TxBeginner {
	t.Helper()
	name := fmt.Sprintf("pgstub-%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	database, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("opening stub database: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })
	return stubBeginner{database}
}

type stubBeginner struct{ db *sql.DB }

func (b stubBeginner) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return b.db.BeginTx(ctx, nil)
}

func normalizeSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func TestWriteEmitsMonotonicUpserts(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := &stubConn{flags: map[string][]bool{
		"predictions":       {true},
		"vehicle_positions": {true},
		"trip_updates":      {false},
		"alerts":            {true},
	}}
	w := NewPostgres(openStub(t, conn), 500, logger.Nop())

	batch := &model.Batch{
		Predictions: []model.Prediction{
			{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
		},
		Vehicles: []model.VehiclePosition{
			{VehicleID: "V1", Latitude: 42.3, Longitude: -71.1, CurrentStatus: model.VehicleInTransit, Timestamp: t0},
		},
		TripUpdates: []model.TripUpdate{
			{TripID: "T1", StopSequence: 4, Cause: "scheduled", Timestamp: t0},
		},
		Alerts: []model.Alert{
			{AlertID: "A1", RouteIDs: []string{"Red"}, Severity: 5, Effect: "DELAY", HeaderText: "Shuttle buses", ObservedAt: t0},
		},
	}

	res, err := w.Write(context.Background(), batch)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if res.Inserted != 3 || res.Updated != 1 {
		t.Fatalf("expected inserted=3 updated=1, got %+v", res)
	}
	if conn.commits != 1 || conn.rollbacks != 0 {
		t.Fatalf("expected exactly one commit, got commits=%d rollbacks=%d", conn.commits, conn.rollbacks)
	}

	// Reference dimensions must be seeded before any fact upsert runs.
	if len(conn.stmts) != 6 {
		t.Fatalf("expected 6 statements (routes, stops, 4 upserts), got %d", len(conn.stmts))
	}
	if !strings.Contains(conn.stmts[0].query, "INSERT INTO routes") ||
		!strings.Contains(conn.stmts[0].query, "ON CONFLICT (route_id) DO NOTHING") {
		t.Errorf("first statement must seed routes, got %q", conn.stmts[0].query)
	}
	if !strings.Contains(conn.stmts[1].query, "INSERT INTO stops") ||
		!strings.Contains(conn.stmts[1].query, "ON CONFLICT (stop_id) DO NOTHING") {
		t.Errorf("second statement must seed stops, got %q", conn.stmts[1].query)
	}

	preds := conn.find(t, "INSERT INTO predictions ")
	for _, clause := range []string{
		"ON CONFLICT (trip_id, stop_id) DO UPDATE SET",
		"WHERE predictions.observed_at < EXCLUDED.observed_at",
		"RETURNING (xmax = 0) AS inserted",
	} {
		if !strings.Contains(preds.query, clause) {
			t.Errorf("predictions upsert missing %q:\n%s", clause, preds.query)
		}
	}
	if preds.args != 8 {
		t.Errorf("predictions row should bind 8 parameters, got %d", preds.args)
	}

	vehicles := conn.find(t, "INSERT INTO vehicle_positions ")
	if !strings.Contains(vehicles.query, "ON CONFLICT (vehicle_id, observed_at) DO NOTHING") {
		t.Errorf("vehicle samples must never be mutated in place:\n%s", vehicles.query)
	}
	if !strings.Contains(vehicles.query, "RETURNING true AS inserted") {
		t.Errorf("vehicle upsert must report inserted rows:\n%s", vehicles.query)
	}

	trips := conn.find(t, "INSERT INTO trip_updates ")
	for _, clause := range []string{
		"ON CONFLICT (trip_id, stop_sequence) DO UPDATE SET",
		"WHERE trip_updates.observed_at < EXCLUDED.observed_at",
	} {
		if !strings.Contains(trips.query, clause) {
			t.Errorf("trip update upsert missing %q:\n%s", clause, trips.query)
		}
	}

	alerts := conn.find(t, "INSERT INTO alerts ")
	for _, clause := range []string{
		"ON CONFLICT (alert_id) DO UPDATE SET",
		"WHERE alerts.observed_at < EXCLUDED.observed_at",
	} {
		if !strings.Contains(alerts.query, clause) {
			t.Errorf("alert upsert missing %q:\n%s", clause, alerts.query)
		}
	}
}

func TestWriteCountsInsertsAndSupersedes(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := &stubConn{flags: map[string][]bool{
		"predictions": {true, false, false},
	}}
	w := NewPostgres(openStub(t, conn), 500, logger.Nop())

	batch := &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
		{TripID: "T2", StopID: "S1", RouteID: "Red", Status: model.StatusLate, ObservedAt: t0},
		{TripID: "T3", StopID: "S2", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
	}}

	res, err := w.Write(context.Background(), batch)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 2 {
		t.Fatalf("expected inserted=1 updated=2, got %+v", res)
	}

	preds := conn.find(t, "INSERT INTO predictions ")
	if preds.args != 24 {
		t.Errorf("3 prediction rows should bind 24 parameters, got %d", preds.args)
	}
}

func TestWriteRollsBackOnUpsertFailure(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := &stubConn{failTable: "predictions"}
	w := NewPostgres(openStub(t, conn), 500, logger.Nop())

	_, err := w.Write(context.Background(), &model.Batch{Predictions: []model.Prediction{
		{TripID: "T1", StopID: "S1", RouteID: "Red", Status: model.StatusOnTime, ObservedAt: t0},
	}})
	if err == nil {
		t.Fatal("expected write to fail")
	}
	if !strings.Contains(err.Error(), "upserting predictions") {
		t.Errorf("error should name the failing table, got %v", err)
	}
	if conn.commits != 0 || conn.rollbacks == 0 {
		t.Errorf("failed batch must roll back, got commits=%d rollbacks=%d", conn.commits, conn.rollbacks)
	}
}
