package ingest

import (
	"bytes"
	"encoding/json"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// Request is the parsed trigger body: DirectDispatch or SweepRequest.
type Request interface {
	mode() string
}

// DirectDispatch fans one event out to its endpoints.
type DirectDispatch struct {
	Event delivery.Event
}

// SweepRequest runs a retry pass. Reason says why the body did not qualify
// as a direct dispatch.
type SweepRequest struct {
	Reason string
}

func (DirectDispatch) mode() string { return "direct" }
func (SweepRequest) mode() string   { return "sweep" }

const (
	reasonEmptyBody     = "empty body"
	reasonInvalidJSON   = "invalid json"
	reasonMissingFields = "missing fields"
)

// ParseRequest decides the mode before any shared logic runs. A body is a
// direct dispatch only when organizationId and eventType are non-empty
// strings and payload is present and not null; anything else is a sweep.
func ParseRequest(body []byte) Request {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return SweepRequest{Reason: reasonEmptyBody}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return SweepRequest{Reason: reasonInvalidJSON}
	}

	org, okOrg := stringField(fields, "organizationId")
	eventType, okType := stringField(fields, "eventType")
	payload, okPayload := fields["payload"]
	if !okOrg || !okType || !okPayload || isNull(payload) {
		return SweepRequest{Reason: reasonMissingFields}
	}

	// endpointId of the wrong type is treated as absent
	endpointID, _ := stringField(fields, "endpointId")
	return DirectDispatch{Event: delivery.Event{
		OrganizationID: org,
		EventType:      eventType,
		Payload:        payload,
		EndpointID:     endpointID,
	}}
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
