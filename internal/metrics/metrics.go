package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced         Counter
	OrdersFailed         Counter
	OrdersRetried        Counter
	Entries              Counter
	Exits                Counter
	EntryFailed          Counter
	ExitFailed           Counter
	Rollbacks            Counter
	CompensationFailed   Counter
	SafetyTripped        Counter
	SafetyRestored       Counter
	IdempotencyReplays   Counter
	IdempotencyConflicts Counter
	Ticks                Counter
	SnapshotErrors       Counter
	Premium              Gauge
}

type noop struct{}

func (noop) Inc() {}

func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:         n,
		OrdersFailed:         n,
		OrdersRetried:        n,
		Entries:              n,
		Exits:                n,
		EntryFailed:          n,
		ExitFailed:           n,
		Rollbacks:            n,
		CompensationFailed:   n,
		SafetyTripped:        n,
		SafetyRestored:       n,
		IdempotencyReplays:   n,
		IdempotencyConflicts: n,
		Ticks:                n,
		SnapshotErrors:       n,
		Premium:              n,
	}
}

// OrNoop returns m, or a no-op set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
