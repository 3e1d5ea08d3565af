// Package gtfsrt ingests the MBTA GTFS-Realtime protobuf feeds. Each feed
// message carries repeated entities, each holding exactly one of a vehicle
// position, a trip update, or an alert; decoding is delegated to the
// MobilityData bindings and every entity is mapped to a typed record at
// this boundary.
package gtfsrt

import (
	"context"
	"net/http"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/mbtatracker-data/internal/clock"
	"github.com/mbtatracker-data/internal/common/config"
	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/ingest"
	"github.com/mbtatracker-data/internal/ingest/ratelimit"
	"github.com/mbtatracker-data/internal/ingest/retry"
	"github.com/mbtatracker-data/internal/model"
)

const sourceName = "mbta_gtfs_rt"

var feedPaths = []string{
	"/VehiclePositions.pb",
	"/TripUpdates.pb",
	"/Alerts.pb",
}

// Source polls the three GTFS-RT protobuf feeds each cycle.
type Source struct {
	baseURL  string
	client   *http.Client
	limiter  *ratelimit.Limiter
	executor *retry.Executor
	pipeline *ingest.Pipeline
	clock    clock.Clock
	logger   logger.Logger

	// etags caches validators per feed path for conditional fetches.
	// Poll is never invoked concurrently for one source, so no lock.
	etags map[string]string
}

func New(
	cfg config.GTFSRTConfig,
	client *http.Client,
	limiter *ratelimit.Limiter,
	executor *retry.Executor,
	pipeline *ingest.Pipeline,
	clk clock.Clock,
	log logger.Logger,
) *Source {
	return &Source{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		limiter:  limiter,
		executor: executor,
		pipeline: pipeline,
		clock:    clk,
		logger:   log.With("source", sourceName),
		etags:    make(map[string]string),
	}
}

func (s *Source) Name() string { return sourceName }

// Poll fetches all three feeds, maps their entities to candidate records,
// and hands the combined batch to the shared pipeline. A feed answering
// 304 Not Modified contributes nothing; that is a no-op, not an error.
func (s *Source) Poll(ctx context.Context) (ingest.CycleResult, error) {
	start := s.clock.Now()
	observedAt := start.UTC()
	batch := &model.Batch{}

	for _, path := range feedPaths {
		body, notModified, err := s.fetch(ctx, path)
		if err != nil {
			return ingest.CycleResult{Source: sourceName}, err
		}
		if notModified {
			s.logger.Debug("Feed not modified, skipping", "feed", path)
			continue
		}

		feed := &gtfsrtpb.FeedMessage{}
		if err := proto.Unmarshal(body, feed); err != nil {
			return ingest.CycleResult{Source: sourceName}, &ingest.Failure{Kind: ingest.KindDecode, Err: err}
		}
		mapEntities(feed, observedAt, batch)
	}

	result, err := s.pipeline.Process(ctx, sourceName, batch)
	result.Duration = s.clock.Now().Sub(start)
	return result, err
}

func (s *Source) fetch(ctx context.Context, path string) (body []byte, notModified bool, err error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, false, &ingest.Failure{Kind: ingest.KindCancelled, Err: err}
	}

	u := s.baseURL + path
	out := s.executor.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("User-Agent", ingest.UserAgent)
		req.Header.Set("Accept", "application/x-protobuf")
		if etag := s.etags[path]; etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		b, etag, err := ingest.DoRequest(ctx, s.client, req)
		if err == ingest.ErrNotModified {
			notModified = true
			return nil
		}
		if err != nil {
			return err
		}
		body = b
		if etag != "" {
			s.etags[path] = etag
		}
		return nil
	})

	switch out.Kind {
	case retry.FailureNone:
		return body, notModified, nil
	case retry.FailureExhausted:
		return nil, false, &ingest.Failure{Kind: ingest.KindTransientUpstream, Err: out.Err}
	case retry.FailureCancelled:
		return nil, false, &ingest.Failure{Kind: ingest.KindCancelled, Err: out.Err}
	default:
		return nil, false, &ingest.Failure{Kind: ingest.KindNonRetryableUpstream, Err: out.Err}
	}
}

// mapEntities appends typed records for every entity in the feed. Entities
// with missing required pieces still map (with zero values) and are left to
// the validator, so one bad entity never hides its siblings.
func mapEntities(feed *gtfsrtpb.FeedMessage, observedAt time.Time, batch *model.Batch) {
	for _, entity := range feed.GetEntity() {
		switch {
		case entity.GetVehicle() != nil:
			batch.Vehicles = append(batch.Vehicles, mapVehicle(entity, observedAt))
		case entity.GetTripUpdate() != nil:
			batch.TripUpdates = append(batch.TripUpdates, mapTripUpdate(entity.GetTripUpdate(), observedAt)...)
		case entity.GetAlert() != nil:
			batch.Alerts = append(batch.Alerts, mapAlert(entity, observedAt))
		}
	}
}

func mapVehicle(entity *gtfsrtpb.FeedEntity, observedAt time.Time) model.VehiclePosition {
	vp := entity.GetVehicle()
	pos := vp.GetPosition()

	out := model.VehiclePosition{
		VehicleID:     vp.GetVehicle().GetId(),
		Latitude:      float64(pos.GetLatitude()),
		Longitude:     float64(pos.GetLongitude()),
		CurrentStatus: vehicleStatus(vp.GetCurrentStatus()),
		Timestamp:     observedAt,
	}
	if out.VehicleID == "" {
		out.VehicleID = entity.GetId()
	}
	if vp.GetTimestamp() != 0 {
		out.Timestamp = time.Unix(int64(vp.GetTimestamp()), 0).UTC()
	}
	if trip := vp.GetTrip(); trip != nil {
		if id := trip.GetTripId(); id != "" {
			out.TripID = &id
		}
		if id := trip.GetRouteId(); id != "" {
			out.RouteID = &id
		}
	}
	if pos != nil && pos.Bearing != nil {
		b := float64(pos.GetBearing())
		out.Bearing = &b
	}
	if pos != nil && pos.Speed != nil {
		sp := float64(pos.GetSpeed())
		out.Speed = &sp
	}
	return out
}

// mapTripUpdate yields one record per affected stop so the (trip, stop
// sequence) natural key holds. A trip-level delay with no stop time updates
// still yields a single record at sequence 0.
func mapTripUpdate(tu *gtfsrtpb.TripUpdate, observedAt time.Time) []model.TripUpdate {
	ts := observedAt
	if tu.GetTimestamp() != 0 {
		ts = time.Unix(int64(tu.GetTimestamp()), 0).UTC()
	}

	base := model.TripUpdate{
		TripID:    tu.GetTrip().GetTripId(),
		Timestamp: ts,
		Cause:     strings.ToLower(tu.GetTrip().GetScheduleRelationship().String()),
	}
	if id := tu.GetTrip().GetRouteId(); id != "" {
		base.RouteID = &id
	}

	updates := tu.GetStopTimeUpdate()
	if len(updates) == 0 {
		out := base
		if tu.Delay != nil {
			d := int(tu.GetDelay())
			out.DelaySeconds = &d
		}
		return []model.TripUpdate{out}
	}

	var result []model.TripUpdate
	for _, stu := range updates {
		rec := base
		rec.StopSequence = int(stu.GetStopSequence())
		if id := stu.GetStopId(); id != "" {
			rec.StopID = &id
		}
		if rel := stu.GetScheduleRelationship(); rel != gtfsrtpb.TripUpdate_StopTimeUpdate_SCHEDULED {
			rec.Cause = strings.ToLower(rel.String())
		}
		if delay := stopDelay(stu, tu); delay != nil {
			rec.DelaySeconds = delay
		}
		result = append(result, rec)
	}
	return result
}

func stopDelay(stu *gtfsrtpb.TripUpdate_StopTimeUpdate, tu *gtfsrtpb.TripUpdate) *int {
	if arr := stu.GetArrival(); arr != nil && arr.Delay != nil {
		d := int(arr.GetDelay())
		return &d
	}
	if dep := stu.GetDeparture(); dep != nil && dep.Delay != nil {
		d := int(dep.GetDelay())
		return &d
	}
	if tu.Delay != nil {
		d := int(tu.GetDelay())
		return &d
	}
	return nil
}

func mapAlert(entity *gtfsrtpb.FeedEntity, observedAt time.Time) model.Alert {
	alert := entity.GetAlert()

	out := model.Alert{
		AlertID:    entity.GetId(),
		Severity:   int(alert.GetSeverityLevel()),
		Effect:     strings.ToLower(alert.GetEffect().String()),
		HeaderText: translatedText(alert.GetHeaderText()),
		ObservedAt: observedAt,
	}
	for _, sel := range alert.GetInformedEntity() {
		if id := sel.GetRouteId(); id != "" {
			out.RouteIDs = append(out.RouteIDs, id)
		}
		if id := sel.GetStopId(); id != "" {
			out.StopIDs = append(out.StopIDs, id)
		}
	}
	if periods := alert.GetActivePeriod(); len(periods) > 0 {
		if start := periods[0].GetStart(); start != 0 {
			t := time.Unix(int64(start), 0).UTC()
			out.ActiveStart = &t
		}
		if end := periods[0].GetEnd(); end != 0 {
			t := time.Unix(int64(end), 0).UTC()
			out.ActiveEnd = &t
		}
	}
	return out
}

func translatedText(ts *gtfsrtpb.TranslatedString) string {
	for _, tr := range ts.GetTranslation() {
		if tr.GetText() != "" {
			return tr.GetText()
		}
	}
	return ""
}

func vehicleStatus(s gtfsrtpb.VehiclePosition_VehicleStopStatus) model.VehicleStatus {
	switch s {
	case gtfsrtpb.VehiclePosition_STOPPED_AT:
		return model.VehicleStopped
	default:
		return model.VehicleInTransit
	}
}
