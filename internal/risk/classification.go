package risk

// Classification buckets a position's health at one block. Severity is
// ordered: a liquidatable position is never reported as merely high-risk.
type Classification int32

const (
	Healthy Classification = iota
	Warning
	HighRisk
	Liquidatable
)

// String returns the wire form used in log fields, metric labels, and
// publish subjects.
func (c Classification) String() string {
	switch c {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case HighRisk:
		return "high_risk"
	case Liquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}
