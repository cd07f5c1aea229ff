package models

// HealthStatus is ordered: a larger value is worse.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Warning
	Critical
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return "unknown"
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Worst returns the more severe of two statuses.
func Worst(a, b HealthStatus) HealthStatus {
	if a > b {
		return a
	}
	return b
}

// ComponentHealth is one entry of the system health report.
type ComponentHealth struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
}
