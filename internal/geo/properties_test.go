package geo

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties_PreservesInsertionOrder(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`{"zeta":1,"alpha":"a","mid":null,"flag":true}`), &p))

	assert.Equal(t, []string{"zeta", "alpha", "mid", "flag"}, p.Keys())

	out, err := json.Marshal(&p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"zeta":1,"alpha":"a","mid":null,"flag":true}`, string(out))
	assert.Equal(t, `{"zeta":1,"alpha":"a","mid":null,"flag":true}`, string(out))
}

func TestProperties_SetExistingKeepsPosition(t *testing.T) {
	p := PropertiesOf("a", 1, "b", 2, "c", 3)
	p.Set("a", String("x"))
	p.Set("d", Bool(false))

	assert.Equal(t, []string{"a", "b", "c", "d"}, p.Keys())
	v, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v.String())
}

func TestProperties_DeleteAndMerge(t *testing.T) {
	p := PropertiesOf("a", 1, "b", 2)
	p.Delete("a")
	p.Delete("missing")
	assert.Equal(t, []string{"b"}, p.Keys())

	p.Merge(PropertiesOf("stats_mean", 1.5, "b", 9))
	assert.Equal(t, []string{"b", "stats_mean"}, p.Keys())
	v, _ := p.Get("b")
	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 9.0, f)
}

func TestProperties_CloneIsIndependent(t *testing.T) {
	p := PropertiesOf("a", 1)
	c := p.Clone()
	c.Set("b", Number(2))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 2, c.Len())
}

func TestProperties_NestedValuesKeptAsText(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`{"tags": [1, 2, {"a": "b"}]}`), &p))
	v, _ := p.Get("tags")
	s, ok := v.Str()
	require.True(t, ok)
	assert.Equal(t, `[1,2,{"a":"b"}]`, s)
}

func TestProperties_NullDocument(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Equal(t, 0, p.Len())

	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
}

func TestValue_String(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Number(3), "3"},
		{Number(3.25), "3.25"},
		{String("AF01"), "AF01"},
		{Bool(true), "true"},
		{Null(), "null"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.String())
	}
}

func TestValue_NonFiniteEncodesAsZero(t *testing.T) {
	b, err := Number(math.NaN()).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))

	b, err = Number(math.Inf(-1)).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))

	assert.False(t, Number(math.NaN()).Finite())
	assert.True(t, String("NaN").Finite())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Number(1).Equal(Number(1)))
	assert.False(t, Number(1).Equal(String("1")))
	assert.True(t, Null().Equal(Value{}))
	assert.False(t, Number(math.NaN()).Equal(Number(math.NaN())))
}
