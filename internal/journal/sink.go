package journal

import (
	"context"
	"time"

	"github.com/mattjoyce/cellgate/internal/dispatch"
	"github.com/mattjoyce/cellgate/internal/kernel"
)

const recordTimeout = 2 * time.Second

// GenerationSource reports the dispatch generation of the request being sent.
type GenerationSource interface {
	Generation() uint64
}

// Sink journals every request before forwarding it to next. A journal
// failure is logged and the request is forwarded anyway.
type Sink struct {
	journal *Journal
	next    dispatch.Sink
	gen     GenerationSource
}

// NewSink wraps next. gen may be nil.
func NewSink(j *Journal, next dispatch.Sink, gen GenerationSource) *Sink {
	return &Sink{journal: j, next: next, gen: gen}
}

// SetGenerationSource sets where generations are read from. It must be
// called before the first Dispatch.
func (s *Sink) SetGenerationSource(gen GenerationSource) {
	s.gen = gen
}

func (s *Sink) Dispatch(req kernel.ExecutionRequest) {
	var gen uint64
	if s.gen != nil {
		gen = s.gen.Generation()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	if _, err := s.journal.RecordDispatch(ctx, req, gen); err != nil {
		s.journal.logger.Error("failed to journal dispatch", "error", err, "kind", KindOf(req))
	}
	cancel()

	s.next.Dispatch(req)
}
