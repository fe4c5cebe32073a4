package jsonx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectPreservesOrder(t *testing.T) {
	fields, err := ParseObject([]byte(`{"zeta":"1","alpha":"2","mid":"3"}`))
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "zeta", fields[0].Key)
	assert.Equal(t, "alpha", fields[1].Key)
	assert.Equal(t, "mid", fields[2].Key)
}

func TestParseObjectValueKinds(t *testing.T) {
	fields, err := ParseObject([]byte(`{"s":"text","n":59.90,"i":42,"b":true,"nested":{"a":1},"list":[1,2]}`))
	require.NoError(t, err)

	byKey := map[string]string{}
	for _, f := range fields {
		byKey[f.Key] = f.Value
	}
	assert.Equal(t, "text", byKey["s"])
	assert.Equal(t, "59.90", byKey["n"])
	assert.Equal(t, "42", byKey["i"])
	assert.Equal(t, "true", byKey["b"])
	assert.JSONEq(t, `{"a":1}`, byKey["nested"])
	assert.JSONEq(t, `[1,2]`, byKey["list"])
}

func TestParseObjectRejectsNonObjects(t *testing.T) {
	for _, input := range []string{`[1,2]`, `"str"`, `42`, `{`, ``} {
		_, err := ParseObject([]byte(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestMarshalObjectOrderAndComposites(t *testing.T) {
	out := MarshalObject([]Field{
		{Key: "type", Value: "order.created"},
		{Key: "items", Value: `[{"sku":"A"}]`},
		{Key: "note", Value: "has \"quotes\""},
	})
	assert.Equal(t, `{"type":"order.created","items":[{"sku":"A"}],"note":"has \"quotes\""}`, string(out))
}

func TestMarshalObjectInvalidCompositeIsQuoted(t *testing.T) {
	out := MarshalObject([]Field{{Key: "broken", Value: "{not json"}})
	assert.Equal(t, `{"broken":"{not json"}`, string(out))
}

func TestRoundTrip(t *testing.T) {
	in := []Field{
		{Key: "orderId", Value: "ORD-1"},
		{Key: "amount", Value: "59.90"},
		{Key: "meta", Value: `{"source":"web"}`},
	}
	got, err := ParseObject(MarshalObject(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestFlatten(t *testing.T) {
	flat := Flatten([]Field{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})
	assert.Equal(t, []interface{}{"a", "1", "b", "2"}, flat)

	strs := FlattenStrings([]Field{{Key: "a", Value: "1"}})
	assert.Equal(t, []string{"a", "1"}, strs)
}

func TestFromPairsDropsTrailingKey(t *testing.T) {
	fields := FromPairs([]string{"a", "1", "b"})
	assert.Equal(t, []Field{{Key: "a", Value: "1"}}, fields)
}

func TestFromValuesIsDeterministic(t *testing.T) {
	fields := FromValues(map[string]interface{}{"b": "2", "a": "1", "c": 3})
	assert.Equal(t, []Field{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "c", Value: "3"}}, fields)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"1","a":"2"}`, string(data))

	var decoded Object
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, obj, decoded)
}
