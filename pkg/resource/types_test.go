package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, typ := range Types() {
		assert.True(t, typ.Valid())
		name := typ.String()
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true

		parsed, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	assert.Len(t, seen, len(typeNames))
}

func TestParseType(t *testing.T) {
	t.Run("case_and_dash_insensitive", func(t *testing.T) {
		typ, err := ParseType(" relationship-type ")
		require.NoError(t, err)
		assert.Equal(t, RelationshipType, typ)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseType("page")
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("invalid_value_formats", func(t *testing.T) {
		assert.False(t, Type(0).Valid())
		assert.Equal(t, "TYPE(200)", Type(200).String())
	})
}

func TestDerived(t *testing.T) {
	assert.True(t, IndexEntry.Derived())
	assert.False(t, Node.Derived())
	assert.False(t, Relationship.Derived())
}

func TestIDs(t *testing.T) {
	assert.Equal(t, []ID{3, 1, 2}, IDs(3, 1, 2))
	assert.Empty(t, IDs())
}
