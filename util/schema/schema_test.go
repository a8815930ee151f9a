package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	Name    string  `json:"name" description:"the target name"`
	Count   int     `json:"count"`
	Mode    string  `json:"mode" enum:"fast,slow"`
	Comment *string `json:"comment"`
	Skipped string  `json:"-"`
}

func TestFromStruct(t *testing.T) {
	s := FromStruct(sampleArgs{})

	assert.Equal(t, "object", s.Type)
	assert.Len(t, s.Properties, 4)
	assert.NotContains(t, s.Properties, "-")

	assert.Equal(t, "string", s.Properties["name"].Type)
	assert.Equal(t, "the target name", s.Properties["name"].Description)
	assert.Equal(t, "integer", s.Properties["count"].Type)
	assert.Len(t, s.Properties["mode"].Enum, 2)

	// Pointer fields are optional, the rest required.
	assert.ElementsMatch(t, []string{"name", "count", "mode"}, s.Required)
}

func TestValidateArguments(t *testing.T) {
	s := FromStruct(sampleArgs{})

	tests := []struct {
		name      string
		args      string
		wantField string
	}{
		{name: "valid", args: `{"name":"x","count":2,"mode":"fast"}`},
		{name: "missing required", args: `{"name":"x","mode":"fast"}`, wantField: "count"},
		{name: "wrong type", args: `{"name":7,"count":2,"mode":"fast"}`, wantField: "name"},
		{name: "fractional integer", args: `{"name":"x","count":2.5,"mode":"fast"}`, wantField: "count"},
		{name: "enum violation", args: `{"name":"x","count":2,"mode":"warp"}`, wantField: "mode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateArguments(s, json.RawMessage(tc.args))
			if tc.wantField == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			assert.Equal(t, tc.wantField, errs[0].Field)
		})
	}
}

func TestValidateArgumentsUnknownFieldsPass(t *testing.T) {
	s := FromStruct(sampleArgs{})
	errs := ValidateArguments(s, json.RawMessage(`{"name":"x","count":1,"mode":"fast","extra":true}`))
	assert.Empty(t, errs)
}

func TestValidateArgumentsNonObject(t *testing.T) {
	s := FromStruct(sampleArgs{})
	errs := ValidateArguments(s, json.RawMessage(`[1,2]`))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "object")
}

func TestDecodeArguments(t *testing.T) {
	var args sampleArgs
	raw := json.RawMessage(`{"name":"x","count":3,"mode":"slow","comment":"hi"}`)
	require.NoError(t, DecodeArguments(raw, &args))

	assert.Equal(t, "x", args.Name)
	assert.Equal(t, 3, args.Count)
	require.NotNil(t, args.Comment)
	assert.Equal(t, "hi", *args.Comment)

	// Absent arguments decode to the zero value.
	var empty sampleArgs
	require.NoError(t, DecodeArguments(nil, &empty))
	assert.Equal(t, "", empty.Name)
}
