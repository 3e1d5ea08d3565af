// Package publish pushes accepted records to NATS subjects so downstream
// consumers (map frontends, archival jobs) see updates without polling the
// database. Publishing is best effort; a failed publish never fails a cycle.
package publish

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/model"
)

// Metrics receives publisher health counters.
type Metrics interface {
	PublishedInc()
	PublishErrInc()
	SetConnected(connected bool)
}

// NATS publishes each accepted record as JSON on a kind- and route-scoped
// subject: mbta.<kind>.<route>.
type NATS struct {
	nc      *nats.Conn
	logger  logger.Logger
	metrics Metrics
}

func NewNATS(url string, log logger.Logger, m Metrics) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("mbtatracker-data"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(true)
	}
	return &NATS{nc: nc, logger: log, metrics: m}, nil
}

func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Publish pushes every record in the batch. Errors are counted and logged
// per record; the batch is never abandoned partway.
func (p *NATS) Publish(batch *model.Batch) {
	for _, pred := range batch.Predictions {
		p.send("prediction", pred.RouteID, pred)
	}
	for _, v := range batch.Vehicles {
		route := ""
		if v.RouteID != nil {
			route = *v.RouteID
		}
		p.send("vehicle", route, v)
	}
	for _, tu := range batch.TripUpdates {
		route := ""
		if tu.RouteID != nil {
			route = *tu.RouteID
		}
		p.send("trip_update", route, tu)
	}
	for _, a := range batch.Alerts {
		route := ""
		if len(a.RouteIDs) > 0 {
			route = a.RouteIDs[0]
		}
		p.send("alert", route, a)
	}
}

func (p *NATS) send(kind, route string, record interface{}) {
	subject := "mbta." + kind + "." + subjectToken(route)
	b, err := json.Marshal(record)
	if err != nil {
		p.logger.Error("Failed to marshal record for publish", "subject", subject, "error", err)
		if p.metrics != nil {
			p.metrics.PublishErrInc()
		}
		return
	}
	if err := p.nc.Publish(subject, b); err != nil {
		p.logger.Warn("Failed to publish record", "subject", subject, "error", err)
		if p.metrics != nil {
			p.metrics.PublishErrInc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.PublishedInc()
	}
}

// subjectToken sanitizes a route id for use as a NATS subject token.
// Tokens cannot contain spaces, '.', '>', or '*'.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
