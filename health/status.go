// Package health tracks the readiness of gateway subsystems and serves the
// aggregate over HTTP.
package health

import (
	"regexp"
	"time"
)

// Health states reported for a subsystem
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Error messages may carry connection strings; the health endpoint is not
// the place to leak them.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one subsystem at a point in time
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHealthy returns a healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   sanitize(message),
		Timestamp: time.Now(),
	}
}

// NewDegraded returns a degraded status. Degraded components keep the
// process serving but flag it for operators.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   sanitize(message),
		Timestamp: time.Now(),
	}
}

// NewUnhealthy returns an unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   sanitize(message),
		Timestamp: time.Now(),
	}
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

func sanitize(message string) string {
	if message == "" {
		return ""
	}
	message = urlRegex.ReplaceAllString(message, "[URL]")
	message = credentialRegex.ReplaceAllString(message, "[REDACTED]")
	return message
}
