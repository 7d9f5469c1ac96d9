package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Encode serializes an event to its wire form.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode event: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.RoutingKey(), err)
	}
	return body, nil
}

// Decode parses body as the variant selected by routingKey. Any mismatch with
// the schema yields a MalformedEvent error; retrying such a payload cannot succeed.
func Decode(routingKey string, body []byte) (Event, error) {
	switch routingKey {
	case RoutingScheduled:
		return decodeAs[AppointmentScheduled](body)
	case RoutingCanceled:
		return decodeAs[AppointmentCanceled](body)
	case RoutingStatusChanged:
		return decodeAs[AppointmentStatusChanged](body)
	case RoutingRescheduled:
		return decodeAs[AppointmentRescheduled](body)
	default:
		return nil, types.MalformedEvent("decode", fmt.Errorf("unknown routing key %q", routingKey))
	}
}

func decodeAs[T Event](body []byte) (Event, error) {
	var ev T

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return nil, types.MalformedEvent("decode "+ev.RoutingKey(), err)
	}
	if dec.More() {
		return nil, types.MalformedEvent("decode "+ev.RoutingKey(), errors.New("trailing data after event"))
	}

	meta := ev.Meta()
	switch {
	case meta.AggregateID == "":
		return nil, types.MalformedEvent("decode "+ev.RoutingKey(), errors.New("aggregateId is required"))
	case meta.PatientID == "" || meta.ProfessionalID == "":
		return nil, types.MalformedEvent("decode "+ev.RoutingKey(), errors.New("patientId and professionalId are required"))
	case meta.OccurredOn.IsZero():
		return nil, types.MalformedEvent("decode "+ev.RoutingKey(), errors.New("occurredOn is required"))
	}
	return ev, nil
}
