package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"epoch seconds int", int64(1700000000), want},
		{"epoch seconds float", float64(1700000000), want},
		{"epoch millis", float64(1700000000000), want},
		{"epoch fractional", 1700000000.25, want.Add(250 * time.Millisecond)},
		{"numeric string", "1700000000", want},
		{"json number", json.Number("1700000000000"), want},
		{"rfc3339", "2023-11-14T22:13:20Z", want},
		{"rfc3339 offset", "2023-11-15T00:13:20+02:00", want},
		{"rfc3339 nano", "2023-11-14T22:13:20.000000Z", want},
		{"naive iso", "2023-11-14T22:13:20", want},
		{"space separated", "2023-11-14 22:13:20", want},
		{"raw json number", json.RawMessage(`1700000000`), want},
		{"raw json string", json.RawMessage(`"2023-11-14T22:13:20Z"`), want},
		{"offset without colon", "2023-11-15T00:13:20+0200", want},
		{"utc offset without colon", "2023-11-14T22:13:20.000+0000", want},
		{"space separated offset without colon", "2023-11-14 22:13:20+0000", want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestParseTimestamp_Absent(t *testing.T) {
	for _, in := range []any{nil, "", "  ", float64(0), "0",
		json.RawMessage(nil), json.RawMessage(""), json.RawMessage(" "), json.RawMessage("null")} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, in := range []any{"yesterday", float64(-5), true, map[string]any{}, "-1700000000", "12.5"} {
		_, err := ParseTimestamp(in)
		assert.ErrorIs(t, err, ErrBadTimestamp, "%v", in)
	}
}

func TestParseTimestamp_ShortNumericStrings(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"100000000", time.Unix(1e8, 0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
