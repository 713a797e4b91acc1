package observability

// Metric name prefix
const MetricPrefix = "heartledger"

// Label keys
const (
	LabelOutcome   = "outcome"
	LabelKind      = "kind"
	LabelResult    = "result"
	LabelPeriod    = "period"
	LabelEventType = "event_type"
	LabelRoute     = "route"
	LabelMethod    = "method"
	LabelStatus    = "status"
)

// Cache lookup results
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)
