package pulse

import "time"

// Observation is a single completed request as seen by the interceptor. It is
// transient: the store folds it into windowed aggregate state and does not
// retain it individually beyond the window.
type Observation struct {
	Timestamp  time.Time
	Pattern    string
	Method     string
	StatusCode int
	Duration   time.Duration
}

// Success reports whether the observation counts as a successful request.
// Redirects are deliberately treated as success.
func (o Observation) Success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 400
}

// statusClass buckets a status code into its hundreds class ("2xx", "5xx").
// Out-of-range codes map to "other".
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "other"
	}
}
