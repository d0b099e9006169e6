package valuetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueEqual(t *testing.T) {
	assert.True(t, Equal(Number(1), Number(1)))
	assert.False(t, Equal(Number(1), Number(2)))
	assert.True(t, Equal(String("a"), String("a")))
	assert.True(t, Equal(Null(), Null()))
	assert.False(t, Equal(Null(), Number(0)))

	a := Slice([]Value{Number(1), String("x")})
	b := Slice([]Value{Number(1), String("x")})
	c := Slice([]Value{Number(1), String("y")})
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))

	m1 := Map(map[string]Value{"k": Number(1)})
	m2 := Map(map[string]Value{"k": Number(1)})
	m3 := Map(map[string]Value{"k": Number(2)})
	assert.True(t, Equal(m1, m2))
	assert.False(t, Equal(m1, m3))
}

func TestValueCloneIsIndependent(t *testing.T) {
	orig := Map(map[string]Value{"tags": Slice([]Value{String("a")})})
	clone := orig.Clone()

	// Mutating the clone's backing map must not affect orig.
	clone.AsMap()["tags"] = Slice([]Value{String("b")})
	assert.True(t, Equal(orig.AsMap()["tags"], Slice([]Value{String("a")})))
}

func TestElementsScalarBecomesSingleton(t *testing.T) {
	els, ok := Elements(String("x"), true)
	assert.True(t, ok)
	assert.Equal(t, []Value{String("x")}, els)
}

func TestElementsNullContributesNoKeys(t *testing.T) {
	_, ok := Elements(Null(), true)
	assert.False(t, ok)

	_, ok = Elements(Value{}, false)
	assert.False(t, ok)
}

func TestElementsSliceReturnsElements(t *testing.T) {
	v := Slice([]Value{String("t1"), String("t2")})
	els, ok := Elements(v, true)
	assert.True(t, ok)
	assert.Len(t, els, 2)
}

func TestIndexKeyPartNumberCanonical(t *testing.T) {
	assert.Equal(t, "1", IndexKeyPart(Number(1)))
	assert.Equal(t, "1", IndexKeyPart(Number(1.0)))
	assert.Equal(t, "1.5", IndexKeyPart(Number(1.5)))
	assert.Equal(t, "true", IndexKeyPart(Bool(true)))
	assert.Equal(t, "false", IndexKeyPart(Bool(false)))
}

func TestSortFieldNames(t *testing.T) {
	got := SortFieldNames([]string{"status", "category"})
	assert.Equal(t, []string{"category", "status"}, got)
}

func TestFromAnyAndToAnyRoundTrip(t *testing.T) {
	data := map[string]interface{}{
		"name": "alice",
		"age":  float64(30),
		"tags": []interface{}{"a", "b"},
		"meta": map[string]interface{}{"active": true},
	}
	rec := RecordFromAny(data)
	back := RecordToAny(rec)
	assert.Equal(t, data, back)
}

func TestRecordMergeOverlaysPatch(t *testing.T) {
	base := Record{"a": Number(1), "b": String("x")}
	patch := Record{"b": String("y"), "c": Bool(true)}
	merged := Merge(base, patch)

	assert.True(t, Equal(merged["a"], Number(1)))
	assert.True(t, Equal(merged["b"], String("y")))
	assert.True(t, Equal(merged["c"], Bool(true)))
	// base must not have been mutated
	assert.True(t, Equal(base["b"], String("x")))
}

func TestRecordCloneIndependence(t *testing.T) {
	base := Record{"tags": Slice([]Value{String("a")})}
	clone := base.Clone()
	clone["tags"] = Slice([]Value{String("b")})
	assert.True(t, Equal(base["tags"], Slice([]Value{String("a")})))
}

func TestRecordsEqual(t *testing.T) {
	a := Record{"x": Number(1)}
	b := Record{"x": Number(1)}
	c := Record{"x": Number(2)}
	assert.True(t, RecordsEqual(a, b))
	assert.False(t, RecordsEqual(a, c))
}
