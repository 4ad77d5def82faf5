package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter announces an endpoint/event group whose failures in the retry
// window exceed the cap. The sweeper emits one per excluded group per run.
type DeadLetter struct {
	Type           string    `json:"type"`    // "delivery.dlq"
	Version        string    `json:"version"` // schema version
	At             string    `json:"at"`      // RFC3339 time the notice was emitted
	Reason         string    `json:"reason"`
	EndpointID     string    `json:"endpoint_id"`
	OrganizationID string    `json:"organization_id"`
	EventType      string    `json:"event_type"`
	Failures       int       `json:"failures"` // failures observed in the window
	LastAttemptID  string    `json:"last_attempt_id"`
	LastStatusCode int       `json:"last_status_code"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

func NewDeadLetter(last Attempt, failures int, reason string) DeadLetter {
	return DeadLetter{
		Type:           DLQType,
		Version:        "v1",
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		Reason:         reason,
		EndpointID:     last.EndpointID,
		OrganizationID: last.OrganizationID,
		EventType:      last.EventType,
		Failures:       failures,
		LastAttemptID:  last.ID,
		LastStatusCode: last.StatusCode,
		LastAttemptAt:  last.AttemptedAt,
	}
}
