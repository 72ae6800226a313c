package ingestion

import (
	"context"
	"fmt"
	"io"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// replayCommitEvery is how many resolved lines go between marker writes.
const replayCommitEvery = 64

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Lines     int64
	Accepted  int64
	Rejected  map[string]int64 // by kind
	TornLines int64
	Marker    int64 // segment offset replay resumes from next time
}

// Replay feeds a retired spool segment through p, starting at the
// segment's marker. The marker advances past every resolved line; replay
// stops at the first line whose store commit fails and returns the error,
// leaving the marker at that line.
//
// p must have been created without a spool.
func Replay(ctx context.Context, p *Pipeline, segment string, maxLineBytes int) (ReplayResult, error) {
	res := ReplayResult{Rejected: make(map[string]int64)}

	r, err := spool.NewReader(segment, maxLineBytes)
	if err != nil {
		return res, err
	}
	defer r.Close()

	committed := r.Offset()
	res.Marker = committed
	pending := 0

	commit := func(end int64) error {
		if end == committed {
			return nil
		}
		if err := r.Commit(end); err != nil {
			return fmt.Errorf("commit marker: %w", err)
		}
		committed = end
		res.Marker = end
		pending = 0
		return nil
	}

	resolved := committed
	for {
		if err := ctx.Err(); err != nil {
			return res, commit(resolved)
		}

		line, end, err := r.Next()
		if err == io.EOF {
			res.TornLines = r.Stats().TornLines
			return res, commit(resolved)
		}
		if err != nil {
			commit(resolved)
			return res, err
		}

		result, ok := p.Process(ctx, line)
		if ok {
			res.Lines++
			switch v := result.(type) {
			case types.Accepted:
				res.Accepted++
			case types.Rejected:
				res.Rejected[v.Reason.Kind]++
				if v.Reason.Kind == errors.KindStorage {
					if cerr := commit(resolved); cerr != nil {
						return res, cerr
					}
					return res, fmt.Errorf("replay stopped at offset %d: %w", resolved, v.Reason)
				}
			}
		}

		resolved = end
		pending++
		if pending >= replayCommitEvery {
			if err := commit(resolved); err != nil {
				return res, err
			}
		}
	}
}
