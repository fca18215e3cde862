package valuation

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const (
	GranularityAuto = "auto"
	GranularityRaw  = "raw"

	RangeAll = "all"
	day      = 24 * time.Hour

	rawLimit      = 300
	maxGridPoints = 2000
	allPoints     = 80
)

type rangeSpec struct {
	span   time.Duration
	points int
	bucket time.Duration
	raw    time.Duration
}

var ranges = map[string]rangeSpec{
	"1h":     {span: time.Hour, points: 60, bucket: time.Minute, raw: 30 * time.Minute},
	"1d":     {span: day, points: 24, bucket: time.Hour, raw: 30 * time.Minute},
	"3d":     {span: 3 * day, points: 36, bucket: 2 * time.Hour, raw: 30 * time.Minute},
	"1w":     {span: 7 * day, points: 14, bucket: 12 * time.Hour, raw: 30 * time.Minute},
	"1m":     {span: 30 * day, points: 30, bucket: day, raw: time.Hour},
	"3m":     {span: 90 * day, points: 45, bucket: 2 * day, raw: time.Hour},
	"6m":     {span: 180 * day, points: 60, bucket: 3 * day, raw: 6 * time.Hour},
	"1y":     {span: 365 * day, points: 60, bucket: 6 * day, raw: 6 * time.Hour},
	RangeAll: {points: allPoints, raw: day},
}

var rangeAliases = map[string]string{
	"24h":   "1d",
	"week":  "1w",
	"7d":    "1w",
	"30d":   "1m",
	"month": "1m",
	"ytd":   "1y",
	"12m":   "1y",
	"max":   RangeAll,
}

// NormalizeRange maps aliases onto canonical ranges; unknown means 1d
func NormalizeRange(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	if alias, ok := rangeAliases[r]; ok {
		return alias
	}
	if _, ok := ranges[r]; ok {
		return r
	}
	return "1d"
}

type Series struct {
	Range       string                    `json:"range"`
	Granularity string                    `json:"granularity"`
	Points      []types.PortfolioSnapshot `json:"points"`

	// Synthetic is set when no snapshot exists yet and the points are the
	// current valuation held flat across the window
	Synthetic bool `json:"synthetic,omitempty"`
}

// Series returns the user's value history over rng. Granularity is "auto"
// (a fixed grid per range), "raw" (stored snapshots, downsampled past 300)
// or a duration such as "15m".
func (e *Engine) Series(ctx context.Context, userID, rng, granularity string) (*Series, error) {
	rng = NormalizeRange(rng)
	spec := ranges[rng]
	granularity = strings.ToLower(strings.TrimSpace(granularity))
	if granularity == "" {
		granularity = GranularityAuto
	}

	var step time.Duration
	if granularity != GranularityAuto && granularity != GranularityRaw {
		d, err := time.ParseDuration(granularity)
		if err != nil || d <= 0 {
			return nil, apperrors.Validation(apperrors.ReasonInvalidGranularity)
		}
		step = d
	}

	now := e.cfg.Now().UTC()
	var from time.Time
	if rng != RangeAll {
		from = now.Add(-spec.span)
	}

	snaps, err := e.store.ListSnapshots(ctx, userID, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	for i := range snaps {
		snaps[i].Details = nil
	}

	out := &Series{Range: rng, Granularity: granularity, Points: []types.PortfolioSnapshot{}}
	if len(snaps) == 0 {
		return e.flatSeries(ctx, out, userID, from, now)
	}
	if rng == RangeAll {
		from = snaps[0].TakenAt
	}

	switch granularity {
	case GranularityRaw:
		out.Points = downsample(snaps, spec.raw)
	case GranularityAuto:
		points, bucket := spec.points, spec.bucket
		if rng == RangeAll {
			bucket = now.Sub(from) / allPoints
			if bucket <= 0 {
				points, bucket = 1, time.Second
			}
		}
		out.Points = carryForward(snaps, grid(now, points, bucket))
	default:
		points := int(now.Sub(from)/step) + 1
		if points > maxGridPoints {
			return nil, apperrors.Validation(apperrors.ReasonInvalidGranularity).
				WithMessage("Granularity too fine for range")
		}
		out.Points = carryForward(snaps, grid(now, points, step))
	}
	return out, nil
}

// flatSeries fills out with the live valuation at the window edges so a
// user with holdings but no history still gets a line. No holdings means no
// points.
func (e *Engine) flatSeries(ctx context.Context, out *Series, userID string, from, now time.Time) (*Series, error) {
	v, err := e.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(v.Holdings) == 0 {
		return out, nil
	}

	if !from.IsZero() {
		p := v.snapshot(from)
		p.Details = nil
		out.Points = append(out.Points, *p)
	}
	p := v.snapshot(now)
	p.Details = nil
	out.Points = append(out.Points, *p)
	out.Synthetic = true
	return out, nil
}

// grid returns points timestamps ending at now, step apart, ascending
func grid(now time.Time, points int, step time.Duration) []time.Time {
	ts := make([]time.Time, points)
	for i := range ts {
		ts[i] = now.Add(-time.Duration(points-1-i) * step)
	}
	return ts
}

// carryForward gives each grid time the last snapshot at or before it.
// Grid times before the first snapshot are dropped.
func carryForward(snaps []types.PortfolioSnapshot, ts []time.Time) []types.PortfolioSnapshot {
	out := make([]types.PortfolioSnapshot, 0, len(ts))
	j := -1
	for _, t := range ts {
		for j+1 < len(snaps) && !snaps[j+1].TakenAt.After(t) {
			j++
		}
		if j < 0 {
			continue
		}
		p := snaps[j]
		p.TakenAt = t
		out = append(out, p)
	}
	return out
}

// downsample keeps the last snapshot of each bucket once there are more
// than rawLimit
func downsample(snaps []types.PortfolioSnapshot, bucket time.Duration) []types.PortfolioSnapshot {
	if len(snaps) <= rawLimit {
		return snaps
	}
	out := make([]types.PortfolioSnapshot, 0, rawLimit)
	for i, s := range snaps {
		if i+1 < len(snaps) && snaps[i+1].TakenAt.Truncate(bucket).Equal(s.TakenAt.Truncate(bucket)) {
			continue
		}
		out = append(out, s)
	}
	return out
}
