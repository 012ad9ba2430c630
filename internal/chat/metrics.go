package chat

import (
	"math"
	"time"
)

// computeMetrics derives the performance summary from the terminal
// stream record. Upstream duration counters are nanoseconds; the
// generation duration falls back to wall clock, floored at 1ms so a
// throughput division never sees zero. Absent fields stay absent.
func computeMetrics(record streamRecord, started time.Time, clock func() time.Time) map[string]any {
	metrics := map[string]any{}

	durationSeconds, ok := nsToSeconds(record.EvalDuration)
	if !ok {
		durationSeconds = math.Max(clock().Sub(started).Seconds(), 0.001)
	}

	if record.EvalCount != nil && *record.EvalCount > 0 {
		metrics["tokens_per_second"] = round2(float64(*record.EvalCount) / durationSeconds)
	}
	if ms, ok := nsToMillis(record.LoadDuration); ok {
		metrics["load_duration_ms"] = ms
	}
	if ms, ok := nsToMillis(record.PromptEvalDuration); ok {
		metrics["prompt_eval_duration_ms"] = ms
	}
	if ms, ok := nsToMillis(record.EvalDuration); ok {
		metrics["eval_duration_ms"] = ms
	}
	if ms, ok := nsToMillis(record.TotalDuration); ok {
		metrics["total_duration_ms"] = ms
	}
	metrics["timestamp"] = clock().UTC().Format(time.RFC3339Nano)
	return metrics
}

func nsToSeconds(value *int64) (float64, bool) {
	if value == nil || *value <= 0 {
		return 0, false
	}
	return float64(*value) / 1e9, true
}

func nsToMillis(value *int64) (float64, bool) {
	if value == nil {
		return 0, false
	}
	return round3(float64(*value) / 1e6), true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
