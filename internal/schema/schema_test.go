package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tscore/internal/registry"
)

func buildModel(t *testing.T) *registry.ModelDef {
	t.Helper()
	def, err := registry.NewBuilder("Product", "products").
		Attribute("title", registry.TypeString, registry.AttrOpts{Sort: true}).
		Attribute("bio", registry.TypeString, registry.AttrOpts{Optional: true}).
		ArrayAttribute("tags", registry.TypeString, registry.AttrOpts{EmptyFiltering: true}).
		Attribute("spec", registry.TypeObject, registry.AttrOpts{}).
		Attribute("brand_id", registry.TypeString, registry.AttrOpts{}).
		Join(registry.JoinDecl{Name: "brand", Collection: "brands", LocalKey: "brand_id", ForeignKey: "id"}).
		Build()
	require.NoError(t, err)
	return def
}

func TestCompileAppendsSyntheticAndSystemFields(t *testing.T) {
	cs, err := Compile(buildModel(t))
	require.NoError(t, err)

	names := map[string]Field{}
	for _, f := range cs.Fields {
		names[f.Name] = f
	}

	_, hasBlank := names["bio_blank"]
	assert.True(t, hasBlank)
	_, hasEmpty := names["tags_empty"]
	assert.True(t, hasEmpty)

	sysField, hasSys := names["doc_updated_at"]
	require.True(t, hasSys)
	assert.Equal(t, "int64", sysField.Type)
	assert.True(t, sysField.Sort)

	assert.True(t, cs.EnableNestedFields)
	assert.Equal(t, "brands.id", names["brand_id"].Reference)
}

func TestCompileMapsArrayInnerType(t *testing.T) {
	cs, err := Compile(buildModel(t))
	require.NoError(t, err)
	for _, f := range cs.Fields {
		if f.Name == "tags" {
			assert.Equal(t, "string[]", f.Type)
			return
		}
	}
	t.Fatal("tags field not found")
}

func TestNewPhysicalNameIncrementsSequence(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	existing := []string{"products_20260730_120000_000", "products_20260730_120000_001"}
	name := newPhysicalName("products", now, existing)
	assert.Equal(t, "products_20260730_120000_002", name)
}

func TestNewPhysicalNameFirstSequence(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	name := newPhysicalName("products", now, nil)
	assert.Equal(t, "products_20260730_120000_000", name)
}

func TestEnforceRetentionKeepsNewestExcludingTarget(t *testing.T) {
	physicals := []string{
		"products_20260101_000000_000",
		"products_20260201_000000_000",
		"products_20260301_000000_000",
		"products_20260401_000000_000", // target
	}
	kept, dropped := enforceRetention(physicals, "products_20260401_000000_000", 1)
	assert.ElementsMatch(t, []string{"products_20260401_000000_000", "products_20260301_000000_000"}, kept)
	assert.ElementsMatch(t, []string{"products_20260201_000000_000", "products_20260101_000000_000"}, dropped)
}

func TestEnforceRetentionZeroKeepsOnlyTarget(t *testing.T) {
	physicals := []string{"products_20260101_000000_000", "products_20260201_000000_000"}
	kept, dropped := enforceRetention(physicals, "products_20260201_000000_000", 0)
	assert.Equal(t, []string{"products_20260201_000000_000"}, kept)
	assert.Equal(t, []string{"products_20260101_000000_000"}, dropped)
}
