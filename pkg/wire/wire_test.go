package wire

import (
	"math"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

func TestDecode_Membership(t *testing.T) {
	f, err := Decode([]byte{0xD2})
	require.NoError(t, err)
	require.Equal(t, KindJoin, f.Kind)
	require.Nil(t, f.Event)

	f, err = Decode([]byte{0xD4, 0x00, 0x01})
	require.NoError(t, err, "trailing bytes are ignored")
	require.Equal(t, KindLeave, f.Kind)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrEmptyFrame)
	require.ErrorIs(t, err, ErrProtocolDecode)

	f, err := Decode([]byte{0xD3, '{', '}'})
	require.ErrorIs(t, err, ErrUnknownKind)
	require.ErrorIs(t, err, ErrProtocolDecode)
	require.Equal(t, Kind(0xD3), f.Kind)

	f, err = Decode([]byte("\xD1{not json"))
	require.ErrorIs(t, err, ErrProtocolDecode)
	require.Equal(t, KindEvent, f.Kind)
	require.Nil(t, f.Event)

	_, err = Decode([]byte("\xD1{\"args\":\"[]\"}"))
	require.ErrorIs(t, err, ErrProtocolDecode, "event name is required")

	_, err = Decode([]byte("\xD1{\"eventName\":\"x\",\"args\":\"[1,\"}"))
	require.ErrorIs(t, err, ErrProtocolDecode)
}

func TestDecode_Compat(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		args    []any
	}{
		{"nested string", `{"eventName":"sync","args":"[42]"}`, []any{float64(42)}},
		{"null args", `{"eventName":"sync","args":"null"}`, []any{}},
		{"empty args", `{"eventName":"sync","args":""}`, []any{}},
		{"absent args", `{"eventName":"sync"}`, []any{}},
		{"raw array", `{"eventName":"sync","args":["hi",true]}`, []any{"hi", true}},
		{
			"nesting",
			`{"eventName":"sync","args":"[{\"a\":[1,null,\"x\"]},\"b\"]"}`,
			[]any{map[string]any{"a": []any{float64(1), nil, "x"}}, "b"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(append([]byte{0xD1}, tc.payload...))
			require.NoError(t, err)
			require.Equal(t, KindEvent, f.Kind)
			require.Equal(t, "sync", f.Event.Name)
			require.Equal(t, tc.args, f.Event.Args.AsInterface())
		})
	}
}

func TestEncode_Event(t *testing.T) {
	args, err := NewArgs("hi", 42, []any{true, nil}, map[string]any{"k": "v"})
	require.NoError(t, err)

	buf, err := Encode(NewEvent("greet", "instance-1", args))
	require.NoError(t, err)
	require.Equal(t, byte(0xD1), buf[0])

	// the envelope must stay readable by peers which only know the
	// historical format.
	var env map[string]any
	require.NoError(t, jsoniter.Unmarshal(buf[1:], &env))
	require.Equal(t, "greet", env["eventName"])
	require.Equal(t, "instance-1", env["origin"])
	nested, ok := env["args"].(string)
	require.True(t, ok, "args must be a JSON string")

	var decodedArgs []any
	require.NoError(t, jsoniter.Unmarshal([]byte(nested), &decodedArgs))
	require.Len(t, decodedArgs, 4)
	require.Equal(t, "hi", decodedArgs[0])

	f, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, "greet", f.Event.Name)
	require.Equal(t, "instance-1", f.Event.Origin)
	require.Equal(t, []any{
		"hi",
		float64(42),
		[]any{true, nil},
		map[string]any{"k": "v"},
	}, f.Event.Args.AsInterface())
}

func TestEncode_NoArgs(t *testing.T) {
	buf, err := Encode(NewEvent("ping", "", nil))
	require.NoError(t, err)
	require.NotContains(t, string(buf), "origin")

	f, err := Decode(buf)
	require.NoError(t, err)
	require.Empty(t, f.Event.Args)
	require.Empty(t, f.Event.Origin)
}

func TestEncode_Membership(t *testing.T) {
	buf, err := Encode(Join())
	require.NoError(t, err)
	require.Equal(t, []byte{0xD2}, buf)

	buf, err = Encode(Leave())
	require.NoError(t, err)
	require.Equal(t, []byte{0xD4}, buf)

	_, err = Encode(Frame{Kind: 0x01})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestEncode_Invalid(t *testing.T) {
	_, err := NewArgs(struct{}{})
	require.ErrorIs(t, err, ErrInvalidArgs)

	for _, val := range []any{
		math.NaN(),
		math.Inf(1),
		[]any{1.0, math.Inf(-1)},
		map[string]any{"nested": map[string]any{"x": math.NaN()}},
	} {
		_, err = NewArgs("ok", val)
		require.ErrorIs(t, err, ErrInvalidArgs, "%v", val)
	}

	args, err := NewArgs(strings.Repeat("a", MaxFrameSize))
	require.NoError(t, err)
	_, err = Encode(NewEvent("x", "", args))
	require.ErrorIs(t, err, ErrTooLargeFrame)

	_, err = Encode(Frame{Kind: KindEvent})
	require.ErrorIs(t, err, ErrInvalidArgs)
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "event", KindEvent.String())
	require.Equal(t, "join", KindJoin.String())
	require.Equal(t, "leave", KindLeave.String())
	require.Equal(t, "unknown(0xD3)", Kind(0xD3).String())
}
