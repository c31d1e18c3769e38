package metricsstore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRollupDownsamplesAndPrunesOnInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	if err := s.Add(ctx, "claude_code.tool_use.count", old, 1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	rollup := NewRollup(s, 10*time.Millisecond, zerolog.New(io.Discard))
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	rollup.Run(runCtx)

	points, err := s.RangeDownsampled(ctx, "claude_code.tool_use.count", Resolution1Hour, old.Add(-time.Hour), time.Now().UTC())
	if err != nil {
		t.Fatalf("RangeDownsampled failed: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("expected the old raw point to have been downsampled before pruning")
	}

	raw, err := s.Range(ctx, "claude_code.tool_use.count", old.Add(-time.Minute), old.Add(time.Minute))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(raw) != 0 {
		t.Fatal("expected the raw point past retention to have been pruned")
	}
}
