package wire

import (
	"bytes"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Args are the positional arguments of an event.
type Args []*structpb.Value

// NewArgs converts Go values to `Args`, see `structpb.NewValue` for the
// supported types. Non-finite numbers have no JSON form and are rejected.
func NewArgs(vals ...any) (Args, error) {
	args := make(Args, len(vals))
	for i, v := range vals {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidArgs, i, err)
		}
		if err := checkFinite(pv); err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidArgs, i, err)
		}
		args[i] = pv
	}
	return args, nil
}

func checkFinite(v *structpb.Value) error {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.IsNaN(kind.NumberValue) || math.IsInf(kind.NumberValue, 0) {
			return fmt.Errorf("invalid %v value", kind.NumberValue)
		}
	case *structpb.Value_ListValue:
		for _, elem := range kind.ListValue.GetValues() {
			if err := checkFinite(elem); err != nil {
				return err
			}
		}
	case *structpb.Value_StructValue:
		for key, field := range kind.StructValue.GetFields() {
			if err := checkFinite(field); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

// AsInterface converts back to plain Go values.
func (a Args) AsInterface() []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = v.AsInterface()
	}
	return out
}

// MarshalArgs produces the JSON array text of the arguments.
func MarshalArgs(args Args) (string, error) {
	values := make([]*structpb.Value, len(args))
	for i, v := range args {
		if v == nil {
			v = structpb.NewNullValue()
		}
		values[i] = v
	}

	buf, err := protojson.Marshal(&structpb.ListValue{Values: values})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return string(buf), nil
}

// UnmarshalArgs parses a JSON array text. Empty input and `null` are zero
// arguments.
func UnmarshalArgs(raw []byte) (Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Args{}, nil
	}

	list := &structpb.ListValue{}
	if err := protojson.Unmarshal(raw, list); err != nil {
		return nil, fmt.Errorf("%w: args: %w", ErrProtocolDecode, err)
	}
	return Args(list.GetValues()), nil
}

type envelope struct {
	EventName string              `json:"eventName"`
	Args      jsoniter.RawMessage `json:"args,omitempty"`
	Origin    string              `json:"origin,omitempty"`
}

func marshalEnvelope(ev *Event) ([]byte, error) {
	args, err := MarshalArgs(ev.Args)
	if err != nil {
		return nil, err
	}

	// args travel as a JSON string holding the array text.
	quoted, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}

	return json.Marshal(envelope{
		EventName: ev.Name,
		Args:      quoted,
		Origin:    ev.Origin,
	})
}

func unmarshalEnvelope(payload []byte) (*Event, error) {
	env := envelope{}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrProtocolDecode, err)
	}

	if env.EventName == "" {
		return nil, fmt.Errorf("%w: envelope without event name", ErrProtocolDecode)
	}

	raw := bytes.TrimSpace(env.Args)
	if len(raw) > 0 && raw[0] == '"' {
		var nested string
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, fmt.Errorf("%w: args: %w", ErrProtocolDecode, err)
		}
		raw = []byte(nested)
	}

	args, err := UnmarshalArgs(raw)
	if err != nil {
		return nil, err
	}

	return &Event{
		Name:   env.EventName,
		Args:   args,
		Origin: env.Origin,
	}, nil
}
