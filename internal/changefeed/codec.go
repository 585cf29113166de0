package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed   = errors.New("malformed change event")
	ErrUnsupported = errors.New("unsupported change event")
)

const readAtMatchesIsReadTag = "read_at_matches_is_read"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(notificationRowStructValidation, NotificationRow{})
	return v
}

func notificationRowStructValidation(sl validator.StructLevel) {
	if row, ok := sl.Current().Interface().(NotificationRow); ok {
		if row.IsRead != (row.ReadAt != nil) {
			sl.ReportError(row.ReadAt, "read_at", "ReadAt", readAtMatchesIsReadTag, "")
		}
	}
}

// Envelope is the wire shape of a change event.
type Envelope struct {
	Entity    Entity          `json:"entity"`
	Operation Operation       `json:"operation"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
}

// Decode parses and validates one wire payload. Errors wrap ErrMalformed or
// ErrUnsupported.
func Decode(payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev, err := decodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeEnvelope(env Envelope) (Event, error) {
	switch env.Entity {
	case EntityThread:
		switch env.Operation {
		case OpInsert:
			after, err := decodeRow[ThreadRow](env.After, "after")
			return ThreadInserted{After: after}, err
		case OpUpdate:
			before, after, err := decodeUpdate[ThreadRow](env)
			return ThreadUpdated{Before: before, After: after}, err
		case OpDelete:
			before, err := decodeRow[ThreadRow](env.Before, "before")
			return ThreadDeleted{Before: before}, err
		}
	case EntityMessage:
		switch env.Operation {
		case OpInsert:
			after, err := decodeRow[MessageRow](env.After, "after")
			return MessageInserted{After: after}, err
		case OpUpdate:
			before, after, err := decodeUpdate[MessageRow](env)
			return MessageUpdated{Before: before, After: after}, err
		}
	case EntityParticipant:
		switch env.Operation {
		case OpInsert:
			after, err := decodeRow[ParticipantRow](env.After, "after")
			return ParticipantInserted{After: after}, err
		case OpUpdate:
			before, after, err := decodeUpdate[ParticipantRow](env)
			return ParticipantUpdated{Before: before, After: after}, err
		case OpDelete:
			before, err := decodeRow[ParticipantRow](env.Before, "before")
			return ParticipantDeleted{Before: before}, err
		}
	case EntityNotification:
		switch env.Operation {
		case OpInsert:
			after, err := decodeRow[NotificationRow](env.After, "after")
			return NotificationInserted{After: after}, err
		case OpUpdate:
			before, after, err := decodeUpdate[NotificationRow](env)
			return NotificationUpdated{Before: before, After: after}, err
		case OpDelete:
			before, err := decodeRow[NotificationRow](env.Before, "before")
			return NotificationDeleted{Before: before}, err
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnsupported, env.Entity, env.Operation)
}

func decodeRow[T any](raw json.RawMessage, side string) (T, error) {
	var row T
	if len(raw) == 0 || string(raw) == "null" {
		return row, fmt.Errorf("%w: missing %s row", ErrMalformed, side)
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return row, fmt.Errorf("%w: %s row: %v", ErrMalformed, side, err)
	}
	if err := validate.Struct(row); err != nil {
		return row, fmt.Errorf("%w: %s row: %v", ErrMalformed, side, err)
	}
	return row, nil
}

// decodeUpdate requires the after image; the before image is optional since
// many capture setups only ship the primary key for it.
func decodeUpdate[T any](env Envelope) (*T, T, error) {
	after, err := decodeRow[T](env.After, "after")
	if err != nil {
		return nil, after, err
	}
	if len(env.Before) == 0 || string(env.Before) == "null" {
		return nil, after, nil
	}
	var before T
	if err := json.Unmarshal(env.Before, &before); err != nil {
		return nil, after, fmt.Errorf("%w: before row: %v", ErrMalformed, err)
	}
	return &before, after, nil
}

// Encode renders ev in wire form.
func Encode(ev Event) ([]byte, error) {
	env := Envelope{Entity: ev.Entity(), Operation: ev.Operation()}
	var before, after any
	switch e := ev.(type) {
	case ThreadInserted:
		after = e.After
	case ThreadUpdated:
		before, after = optional(e.Before), e.After
	case ThreadDeleted:
		before = e.Before
	case MessageInserted:
		after = e.After
	case MessageUpdated:
		before, after = optional(e.Before), e.After
	case ParticipantInserted:
		after = e.After
	case ParticipantUpdated:
		before, after = optional(e.Before), e.After
	case ParticipantDeleted:
		before = e.Before
	case NotificationInserted:
		after = e.After
	case NotificationUpdated:
		before, after = optional(e.Before), e.After
	case NotificationDeleted:
		before = e.Before
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, ev)
	}

	var err error
	if before != nil {
		if env.Before, err = json.Marshal(before); err != nil {
			return nil, fmt.Errorf("encode before row: %w", err)
		}
	}
	if after != nil {
		if env.After, err = json.Marshal(after); err != nil {
			return nil, fmt.Errorf("encode after row: %w", err)
		}
	}
	return json.Marshal(env)
}

func optional[T any](row *T) any {
	if row == nil {
		return nil
	}
	return *row
}
