package rest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbtatracker-data/internal/clock"
	"github.com/mbtatracker-data/internal/common/config"
	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/ingest"
	"github.com/mbtatracker-data/internal/ingest/ratelimit"
	"github.com/mbtatracker-data/internal/ingest/retry"
	"github.com/mbtatracker-data/internal/model"
)

const sourceName = "mbta_v3_rest"

// Source polls the V3 REST API for predictions and vehicles each cycle.
type Source struct {
	apiKey   string
	baseURL  string
	routes   string // pre-joined filter value
	client   *http.Client
	limiter  *ratelimit.Limiter
	executor *retry.Executor
	pipeline *ingest.Pipeline
	clock    clock.Clock
	logger   logger.Logger
}

func New(
	cfg config.APIConfig,
	client *http.Client,
	limiter *ratelimit.Limiter,
	executor *retry.Executor,
	pipeline *ingest.Pipeline,
	clk clock.Clock,
	log logger.Logger,
) *Source {
	return &Source{
		apiKey:   cfg.Key,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		routes:   strings.Join(cfg.Routes, ","),
		client:   client,
		limiter:  limiter,
		executor: executor,
		pipeline: pipeline,
		clock:    clk,
		logger:   log.With("source", sourceName),
	}
}

func (s *Source) Name() string { return sourceName }

// Poll fetches predictions and vehicles, decodes them into candidate
// records, and hands the batch to the shared pipeline. A fetch or document
// decode failure fails the cycle; per-resource decode failures only count.
func (s *Source) Poll(ctx context.Context) (ingest.CycleResult, error) {
	start := s.clock.Now()
	observedAt := start.UTC()
	batch := &model.Batch{}
	decodeRejected := 0

	predBody, err := s.fetch(ctx, "/predictions")
	if err != nil {
		return ingest.CycleResult{Source: sourceName}, err
	}
	preds, malformed, err := decodePredictions(predBody, observedAt)
	if err != nil {
		return ingest.CycleResult{Source: sourceName}, &ingest.Failure{Kind: ingest.KindDecode, Err: err}
	}
	batch.Predictions = preds
	decodeRejected += malformed

	vehBody, err := s.fetch(ctx, "/vehicles")
	if err != nil {
		return ingest.CycleResult{Source: sourceName}, err
	}
	vehicles, malformed, err := decodeVehicles(vehBody, observedAt)
	if err != nil {
		return ingest.CycleResult{Source: sourceName}, &ingest.Failure{Kind: ingest.KindDecode, Err: err}
	}
	batch.Vehicles = vehicles
	decodeRejected += malformed

	result, err := s.pipeline.Process(ctx, sourceName, batch)
	result.Rejected += decodeRejected
	result.Duration = s.clock.Now().Sub(start)
	return result, err
}

// fetch performs one rate-limited, retried GET against a V3 endpoint.
func (s *Source) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, &ingest.Failure{Kind: ingest.KindCancelled, Err: err}
	}

	u := s.baseURL + endpoint + "?" + url.Values{
		"filter[route]": {s.routes},
	}.Encode()

	var body []byte
	out := s.executor.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("X-API-Key", s.apiKey)
		req.Header.Set("User-Agent", ingest.UserAgent)
		req.Header.Set("Accept", "application/vnd.api+json")

		b, _, err := ingest.DoRequest(ctx, s.client, req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})

	switch out.Kind {
	case retry.FailureNone:
		return body, nil
	case retry.FailureExhausted:
		return nil, &ingest.Failure{Kind: ingest.KindTransientUpstream, Err: out.Err}
	case retry.FailureCancelled:
		return nil, &ingest.Failure{Kind: ingest.KindCancelled, Err: out.Err}
	default:
		return nil, &ingest.Failure{Kind: ingest.KindNonRetryableUpstream, Err: out.Err}
	}
}
