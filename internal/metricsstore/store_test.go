package metricsstore

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "metrics.db"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.Add(ctx, "queue.depth", base.Add(time.Duration(i)*time.Second), float64(i)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	points, err := s.Range(ctx, "queue.depth", base, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(points))
	}
	if points[0].Value != 0 || points[4].Value != 4 {
		t.Fatalf("unexpected point values: %+v", points)
	}
}

func TestLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok, err := s.Latest(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no latest point for unknown series, got ok=%v err=%v", ok, err)
	}

	if err := s.Add(ctx, "acceptance.rate", base, 0.5); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(ctx, "acceptance.rate", base.Add(time.Minute), 0.75); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	p, ok, err := s.Latest(ctx, "acceptance.rate")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !ok || p.Value != 0.75 {
		t.Fatalf("expected latest value 0.75, got %+v ok=%v", p, ok)
	}
}

func TestDownsampleAveragesBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		if err := s.Add(ctx, "interaction.rate", base.Add(time.Duration(i)*15*time.Second), float64(i)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	n, err := s.Downsample(ctx, "interaction.rate", Resolution1Min, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Downsample failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected all 4 samples to fall into a single 1-minute bucket, got %d buckets", n)
	}

	buckets, err := s.RangeDownsampled(ctx, "interaction.rate", Resolution1Min, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("RangeDownsampled failed: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 downsampled bucket, got %d", len(buckets))
	}
	// Average of 0,1,2,3 is 1.5.
	if buckets[0].Value != 1.5 {
		t.Fatalf("expected bucket average 1.5, got %f", buckets[0].Value)
	}
}

func TestPruneRawRespectsCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Add(ctx, "queue.depth", now.Add(-2*time.Hour), 1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(ctx, "queue.depth", now, 2); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	deleted, err := s.PruneRaw(ctx, "queue.depth", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneRaw failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row pruned, got %d", deleted)
	}

	remaining, err := s.Range(ctx, "queue.depth", now.Add(-3*time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining point, got %d", len(remaining))
	}
}
