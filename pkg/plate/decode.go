package plate

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errNotObject    = errors.New("payload is not a JSON object")
	errMissingField = errors.New("missing field")
	errFieldType    = errors.New("field is not a string")
	errEmptyField   = errors.New("field is empty")
)

// Decode extracts the plate and timestamp from a raw JSON payload such as
// {"plate":"A000AA78","timestamp":"2024-01-01T00:00:00"}. Values are returned
// unmodified. Any failure is a *DecodeError carrying raw.
func Decode(raw []byte) (plate, timestamp string, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", "", &DecodeError{Raw: raw, Err: err}
	}
	// a JSON null unmarshals into a nil map without error
	if fields == nil {
		return "", "", &DecodeError{Raw: raw, Err: errNotObject}
	}

	if plate, err = stringField(fields, "plate"); err != nil {
		return "", "", &DecodeError{Raw: raw, Err: err}
	}
	if timestamp, err = stringField(fields, "timestamp"); err != nil {
		return "", "", &DecodeError{Raw: raw, Err: err}
	}
	return plate, timestamp, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingField, name)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %s", errFieldType, name)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s", errEmptyField, name)
	}
	return s, nil
}

// Encode renders a plate reading in the wire format accepted by Decode.
func Encode(plate, timestamp string) ([]byte, error) {
	return json.Marshal(Message{Plate: plate, Timestamp: timestamp})
}
