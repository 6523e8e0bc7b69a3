package observability

import (
	"math"
	"testing"
	"time"
)

func TestNewMetricsCollector_ZeroSize(t *testing.T) {
	c := NewMetricsCollector(0)
	if c.maxSize != 10000 {
		t.Errorf("maxSize = %d, want 10000", c.maxSize)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestMetricsCollector_Record_RingBuffer(t *testing.T) {
	c := NewMetricsCollector(3)

	for i := 0; i < 5; i++ {
		c.Record(MetricLatency, float64(i), Labels{"op": "get"})
	}

	points := c.Query(MetricLatency, time.Time{})
	if len(points) != 3 {
		t.Fatalf("Query = %d, want 3", len(points))
	}
	// Oldest kept is 2, newest 4.
	if points[0].Value != 2 || points[2].Value != 4 {
		t.Errorf("points = %v..%v, want 2..4", points[0].Value, points[2].Value)
	}
}

func TestMetricsCollector_Counters(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Increment(CounterName(MetricOps, "put"))
	c.Increment(CounterName(MetricOps, "put"))
	c.Increment(CounterName(MetricNotFound, "get"))
	c.IncrementBy(string(MetricCheckpoints), 4)

	if got := c.Counter("ops.put"); got != 2 {
		t.Errorf("ops.put = %d", got)
	}
	if got := c.Counter("not_found.get"); got != 1 {
		t.Errorf("not_found.get = %d", got)
	}
	if got := c.Counter("checkpoints"); got != 4 {
		t.Errorf("checkpoints = %d", got)
	}
	if got := c.Counter("missing"); got != 0 {
		t.Errorf("missing = %d", got)
	}
}

func TestMetricsCollector_QueryWithLabel(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricLatency, 1.5, Labels{"op": "put"})
	c.Record(MetricLatency, 0.2, Labels{"op": "get"})
	c.Record(MetricLatency, 1.1, Labels{"op": "put"})
	c.Record(MetricBytes, 1024, Labels{"op": "put"})
	c.Record(MetricLatency, 0.7, nil)

	if got := len(c.QueryWithLabel(MetricLatency, "op", "put", time.Time{})); got != 2 {
		t.Errorf("put latency points = %d, want 2", got)
	}
	if got := len(c.Query(MetricLatency, time.Time{})); got != 4 {
		t.Errorf("latency points = %d, want 4", got)
	}
}

func TestMetricsCollector_Summarize(t *testing.T) {
	c := NewMetricsCollector(100)
	for i := 1; i <= 10; i++ {
		c.Record(MetricLatency, float64(i), nil)
	}

	s := c.Summarize(MetricLatency, time.Time{})
	if s.Count != 10 {
		t.Errorf("Count = %d", s.Count)
	}
	if math.Abs(s.Mean-5.5) > 0.001 {
		t.Errorf("Mean = %f, want 5.5", s.Mean)
	}
	if s.Min != 1 || s.Max != 10 {
		t.Errorf("Min/Max = %f/%f", s.Min, s.Max)
	}
	if math.Abs(s.P50-5.5) > 0.01 {
		t.Errorf("P50 = %f, want 5.5", s.P50)
	}
	if s.P95 < 9 {
		t.Errorf("P95 = %f, too low", s.P95)
	}

	if empty := c.Summarize(MetricBytes, time.Time{}); empty.Count != 0 {
		t.Errorf("empty Count = %d", empty.Count)
	}
}

func TestMetricsCollector_Reset_Snapshot(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricBytes, 10, nil)
	c.Increment("ops.get")

	snap := c.Snapshot()
	snap["ops.get"] = 999
	if c.Counter("ops.get") != 1 {
		t.Error("snapshot mutation leaked into collector")
	}

	c.Reset()
	if c.Len() != 0 || c.Counter("ops.get") != 0 {
		t.Errorf("after Reset: Len = %d, ops.get = %d", c.Len(), c.Counter("ops.get"))
	}
}

func TestPercentile(t *testing.T) {
	if p := percentile(nil, 0.5); p != 0 {
		t.Errorf("nil percentile = %f", p)
	}
	vals := []float64{10, 20, 30, 40, 50}
	if p := percentile(vals, 0.0); p != 10 {
		t.Errorf("p0 = %f", p)
	}
	if p := percentile(vals, 1.0); p != 50 {
		t.Errorf("p100 = %f", p)
	}
	if p := percentile(vals, 0.5); p != 30 {
		t.Errorf("p50 = %f", p)
	}
}

func TestMetricsCollector_SummarizeLabel(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricLatency, 2, Labels{"op": "put"})
	c.Record(MetricLatency, 4, Labels{"op": "put"})
	c.Record(MetricLatency, 100, Labels{"op": "get"})

	s := c.SummarizeLabel(MetricLatency, "op", "put", time.Time{})
	if s.Count != 2 || s.Mean != 3 {
		t.Errorf("put summary = %+v", s)
	}

	ops := c.Labeled(MetricLatency, "op")
	if len(ops) != 2 || ops[0] != "get" || ops[1] != "put" {
		t.Errorf("Labeled = %v, want [get put]", ops)
	}
}

func TestMetricsCollector_Window(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricLatency, 1, Labels{"op": "put"})
	time.Sleep(2 * time.Millisecond)
	mid := time.Now()
	time.Sleep(2 * time.Millisecond)
	c.Record(MetricLatency, 3, Labels{"op": "put"})
	c.Record(MetricLatency, 5, Labels{"op": "get"})

	if s := c.Summarize(MetricLatency, mid); s.Count != 2 {
		t.Errorf("windowed Count = %d, want 2", s.Count)
	}
	if s := c.SummarizeLabel(MetricLatency, "op", "put", mid); s.Count != 1 || s.Max != 3 {
		t.Errorf("windowed put = %+v", s)
	}
	if s := c.SummarizeLabel(MetricLatency, "op", "put", time.Time{}); s.Count != 2 {
		t.Errorf("all-time put Count = %d, want 2", s.Count)
	}
}
