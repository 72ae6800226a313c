package ingestion

import (
	"context"
	"io"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
)

// Run feeds lines from src through the pipeline until ctx is cancelled or
// src is exhausted. A line in flight when ctx is cancelled is finished
// first; the spool is flushed before Run returns.
//
// Run returns nil on cancellation and on io.EOF. It returns an error only
// when the source gives up, e.g. a serial port that cannot be reopened.
func (p *Pipeline) Run(ctx context.Context, src LineSource) (err error) {
	ctx = logging.ContextWithSource(ctx, src.Name())
	log := logging.WithContext(ctx).With("component", "ingest", "session", p.session)
	log.Info("ingestion started")

	// Store writes for a line already read must not be cut short.
	work := context.WithoutCancel(ctx)

	defer func() {
		if ferr := p.Flush(); ferr != nil {
			log.Error("final spool flush failed", "error", ferr)
			if err == nil {
				err = ferr
			}
		}
		s := p.Snapshot()
		log.Info("ingestion stopped",
			"lines", s.Lines,
			"accepted", s.Accepted,
			"rejected", s.Rejected,
			"duplicates", s.Duplicates,
			"held", s.Held,
		)
	}()

	for {
		line, rerr := src.ReadLine(ctx)
		switch {
		case rerr == nil:
			p.Process(work, line)
		case errors.Is(rerr, ErrIdle):
		case errors.Is(rerr, io.EOF), errors.Is(rerr, errors.ErrSourceClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return rerr
		}

		if terr := p.Tick(); terr != nil {
			log.Error("spool flush failed", "error", terr)
		}
	}
}
