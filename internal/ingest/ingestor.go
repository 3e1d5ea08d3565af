// Package ingest defines the per-source ingestion contract and the shared
// validate-write-publish pipeline that every source cycle runs through.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/model"
	"github.com/mbtatracker-data/internal/store"
	"github.com/mbtatracker-data/internal/validate"
)

// Source owns one upstream data source. Poll runs one complete ingestion
// cycle: fetch, decode, validate, write. Each cycle terminates and reports
// counts; Poll is never invoked concurrently for the same source.
type Source interface {
	Name() string
	Poll(ctx context.Context) (CycleResult, error)
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Source   string
	Fetched  int
	Accepted int
	Rejected int
	Inserted int
	Updated  int
	Duration time.Duration
}

// Failure kinds for cycle-level errors, used as log fields and metric labels.
const (
	KindTransientUpstream    = "transient_upstream"
	KindNonRetryableUpstream = "non_retryable_upstream"
	KindDecode               = "decode"
	KindStorageWrite         = "storage_write"
	KindCancelled            = "cancelled"
)

// Failure classifies a cycle-level error. Per-record problems never become
// a Failure; they are counted as rejections inside the cycle.
type Failure struct {
	Kind string
	Err  error
}

func (f *Failure) Error() string {
	return f.Kind + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// FailureKind extracts the taxonomy kind from a cycle error, defaulting to
// transient for unclassified errors.
func FailureKind(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransientUpstream
}

// Writer persists a validated batch. See store.Postgres and store.Memory.
type Writer interface {
	Write(ctx context.Context, batch *model.Batch) (store.WriteResult, error)
}

// Publisher pushes accepted records to downstream consumers, best effort.
type Publisher interface {
	Publish(batch *model.Batch)
}

// Pipeline is the source-independent tail of a cycle.
type Pipeline struct {
	validator *validate.Validator
	writer    Writer
	publisher Publisher
	logger    logger.Logger
}

func NewPipeline(v *validate.Validator, w Writer, p Publisher, log logger.Logger) *Pipeline {
	return &Pipeline{
		validator: v,
		writer:    w,
		publisher: p,
		logger:    log,
	}
}

// Process validates the candidate batch, persists what survives, and
// publishes the accepted records. Per-record rejections are logged and
// counted but never fail the batch; only a storage failure does.
func (p *Pipeline) Process(ctx context.Context, source string, candidate *model.Batch) (CycleResult, error) {
	result := CycleResult{
		Source:  source,
		Fetched: candidate.Len(),
	}

	vr := p.validator.Batch(candidate)
	result.Accepted = vr.Accepted.Len()
	result.Rejected = len(vr.Rejections)

	for _, rej := range vr.Rejections {
		p.logger.Warn("Record rejected",
			"kind", "validation_rejected",
			"source", source,
			"record", rej.Kind,
			"key", rej.Key,
			"reason", rej.Reason)
	}

	if vr.Accepted.Empty() {
		return result, nil
	}

	wr, err := p.writer.Write(ctx, &vr.Accepted)
	if err != nil {
		return result, &Failure{Kind: KindStorageWrite, Err: err}
	}
	result.Inserted = wr.Inserted
	result.Updated = wr.Updated

	if p.publisher != nil {
		p.publisher.Publish(&vr.Accepted)
	}

	return result, nil
}
