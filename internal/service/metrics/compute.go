package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

// MaxWindowDays bounds the trailing window so its duration cannot overflow.
const MaxWindowDays = 36500

type interval struct {
	start, end time.Time
}

// Compute derives fleet KPIs from history completed within windowDays before now. It is
// a pure function of its inputs.
func Compute(history []domain.HistoryEntry, windowDays int, now time.Time) (domain.DeploymentMetrics, error) {
	if err := checkWindow(windowDays); err != nil {
		return domain.DeploymentMetrics{}, err
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	from := now.Add(-window)
	out := domain.DeploymentMetrics{WindowDays: windowDays, UptimePercent: 100}

	var (
		pipelines []domain.HistoryEntry
		durations []float64
		impacts   []float64
	)
	for _, entry := range history {
		if entry.CompletedAt.Before(from) || entry.CompletedAt.After(now) {
			continue
		}
		switch entry.Kind {
		case domain.HistoryCanary:
			if entry.RolledBack {
				out.Rollbacks++
			}
			impacts = append(impacts, entry.ResponseTimeDeltaPercent)
		default:
			pipelines = append(pipelines, entry)
			switch domain.PipelineStatus(entry.Status) {
			case domain.PipelineSuccess:
				out.Successes++
			case domain.PipelineFailed:
				out.Failures++
			}
			if entry.RolledBack {
				out.Rollbacks++
			}
			durations = append(durations, float64(entry.DurationMs)/60000)
		}
	}

	out.TotalDeployments = len(pipelines)
	out.PerformanceImpactPercent = round(mean(impacts))
	if out.TotalDeployments == 0 {
		return out, nil
	}

	total := float64(out.TotalDeployments)
	out.SuccessRatePercent = round(float64(out.Successes) / total * 100)
	out.RollbackRatePercent = round(math.Min(100, float64(out.Rollbacks)/total*100))
	out.DeploymentFrequencyPerDay = round(total / float64(windowDays))

	sort.Float64s(durations)
	out.AvgDeploymentTimeMinutes = round(mean(durations))
	out.P50DeploymentTimeMinutes = round(percentile(durations, 0.5))
	out.P95DeploymentTimeMinutes = round(percentile(durations, 0.95))

	recoveries, downtime := recoveryIntervals(pipelines, now)
	if len(recoveries) > 0 {
		var sum float64
		for _, r := range recoveries {
			sum += r.end.Sub(r.start).Minutes()
		}
		out.MeanTimeToRecoveryMinutes = round(sum / float64(len(recoveries)))
	}
	down := coveredDuration(downtime, from, now)
	out.UptimePercent = round(math.Max(0, math.Min(100, 100-float64(down)/float64(window)*100)))
	return out, nil
}

// recoveryIntervals pairs each environment's first failure with its next success. It
// returns the recovered intervals and every downtime interval, including failures still
// open at now.
func recoveryIntervals(pipelines []domain.HistoryEntry, now time.Time) (recovered, downtime []interval) {
	sorted := append([]domain.HistoryEntry(nil), pipelines...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CompletedAt.Before(sorted[j].CompletedAt) })

	openSince := make(map[domain.Environment]time.Time)
	for _, entry := range sorted {
		switch domain.PipelineStatus(entry.Status) {
		case domain.PipelineFailed:
			if _, open := openSince[entry.Environment]; !open {
				openSince[entry.Environment] = entry.CompletedAt
			}
		case domain.PipelineSuccess:
			if start, open := openSince[entry.Environment]; open {
				iv := interval{start: start, end: entry.CompletedAt}
				recovered = append(recovered, iv)
				downtime = append(downtime, iv)
				delete(openSince, entry.Environment)
			}
		}
	}
	for _, start := range openSince {
		downtime = append(downtime, interval{start: start, end: now})
	}
	return recovered, downtime
}

// coveredDuration returns the length of the union of intervals clipped to [from, to].
func coveredDuration(intervals []interval, from, to time.Time) time.Duration {
	clipped := make([]interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.start.Before(from) {
			iv.start = from
		}
		if iv.end.After(to) {
			iv.end = to
		}
		if iv.end.After(iv.start) {
			clipped = append(clipped, iv)
		}
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i].start.Before(clipped[j].start) })

	var total time.Duration
	var cur *interval
	for i := range clipped {
		iv := clipped[i]
		if cur == nil || iv.start.After(cur.end) {
			if cur != nil {
				total += cur.end.Sub(cur.start)
			}
			cur = &interval{start: iv.start, end: iv.end}
			continue
		}
		if iv.end.After(cur.end) {
			cur.end = iv.end
		}
	}
	if cur != nil {
		total += cur.end.Sub(cur.start)
	}
	return total
}

func checkWindow(windowDays int) error {
	if windowDays <= 0 {
		return validate.Errorf("window_days must be positive, got %d", windowDays)
	}
	if windowDays > MaxWindowDays {
		return validate.Errorf("window_days must be at most %d, got %d", MaxWindowDays, windowDays)
	}
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile expects sorted values and interpolates between neighbours.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
