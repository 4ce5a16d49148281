package cascade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tscore/internal/obs"
	"tscore/internal/registry"
)

func TestNormalizeLogicalStripsTimestampSuffix(t *testing.T) {
	assert.Equal(t, "products", NormalizeLogical("products_20260730_120000_003"))
	assert.Equal(t, "products", NormalizeLogical("products"))
}

func buildGraphFromRegistry(t *testing.T) *Graph {
	t.Helper()
	reg := registry.New()
	reviews, err := registry.NewBuilder("Review", "reviews").
		Attribute("product_id", registry.TypeString, registry.AttrOpts{}).
		Join(registry.JoinDecl{Name: "product", Collection: "products", LocalKey: "product_id", ForeignKey: "id"}).
		Build()
	require.NoError(t, err)
	require.NoError(t, reg.Register(reviews))

	products, err := registry.NewBuilder("Product", "products").
		Attribute("brand_id", registry.TypeString, registry.AttrOpts{}).
		Join(registry.JoinDecl{Name: "brand", Collection: "brands", LocalKey: "brand_id", ForeignKey: "id"}).
		Build()
	require.NoError(t, err)
	require.NoError(t, reg.Register(products))

	return buildFromRegistry(reg)
}

func TestBuildFromRegistryProducesReverseEdges(t *testing.T) {
	g := buildGraphFromRegistry(t)
	edges := g.ByTarget["products"]
	require.Len(t, edges, 1)
	assert.Equal(t, "reviews", edges[0].Referrer)
	assert.Equal(t, "product_id", edges[0].LocalKey)
}

type fakeAdapter struct {
	supportsPartial bool
	partialErr      error
	fullErr         error
	partialCalls    int
	fullCalls       int
	lastIDs         []string
}

func (f *fakeAdapter) SupportsPartialReindex() bool { return f.supportsPartial }
func (f *fakeAdapter) ReindexPartial(ctx context.Context, localKey string, ids []string) error {
	f.partialCalls++
	f.lastIDs = ids
	return f.partialErr
}
func (f *fakeAdapter) ReindexFull(ctx context.Context) error {
	f.fullCalls++
	return f.fullErr
}

func newObserver() *obs.Observer { return obs.NewObserver(zap.NewNop()) }

func TestCascadeReindexUpdatePrefersPartial(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "reviews", Target: "products", LocalKey: "product_id", ForeignKey: "id"})

	adapter := &fakeAdapter{supportsPartial: true}
	adapters := Adapters{"reviews": adapter}

	report, err := CascadeReindex(context.Background(), newObserver(), g, adapters, "products", []string{"p1", "p2"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Partial)
	assert.Equal(t, 1, adapter.partialCalls)
	assert.Equal(t, 0, adapter.fullCalls)
	assert.Equal(t, []string{"p1", "p2"}, adapter.lastIDs)
}

func TestCascadeReindexFullModeAlwaysFull(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "reviews", Target: "products", LocalKey: "product_id", ForeignKey: "id"})

	adapter := &fakeAdapter{supportsPartial: true}
	adapters := Adapters{"reviews": adapter}

	report, err := CascadeReindex(context.Background(), newObserver(), g, adapters, "products", []string{"p1"}, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Full)
	assert.Equal(t, 1, adapter.fullCalls)
	assert.Equal(t, 0, adapter.partialCalls)
}

func TestCascadeReindexPartialFailureFallsBackToFull(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "reviews", Target: "products", LocalKey: "product_id", ForeignKey: "id"})

	adapter := &fakeAdapter{supportsPartial: true, partialErr: assertErr("boom")}
	adapters := Adapters{"reviews": adapter}

	report, err := CascadeReindex(context.Background(), newObserver(), g, adapters, "products", []string{"p1"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PartialFailedFullFallback)
	assert.Equal(t, 1, adapter.partialCalls)
	assert.Equal(t, 1, adapter.fullCalls)
}

func TestCascadeReindexSkipsUnregisteredReferrer(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "unknown_coll", Target: "products", LocalKey: "product_id", ForeignKey: "id"})

	report, err := CascadeReindex(context.Background(), newObserver(), g, Adapters{}, "products", []string{"p1"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedUnregistered)
}

func TestCascadeReindexSkipsImmediateCycle(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "a", Target: "b", LocalKey: "b_id", ForeignKey: "id"})
	g.add(Edge{Referrer: "b", Target: "a", LocalKey: "a_id", ForeignKey: "id"})

	adapter := &fakeAdapter{}
	adapters := Adapters{"a": adapter, "b": adapter}

	report, err := CascadeReindex(context.Background(), newObserver(), g, adapters, "b", []string{"1"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedCycle)
	assert.Equal(t, 0, adapter.fullCalls)
	assert.Equal(t, 0, adapter.partialCalls)
}

func TestCascadeReindexSkipsDuplicateReferrer(t *testing.T) {
	g := newGraph()
	g.add(Edge{Referrer: "reviews", Target: "products", LocalKey: "product_id", ForeignKey: "id"})
	g.add(Edge{Referrer: "reviews", Target: "products", LocalKey: "other_product_id", ForeignKey: "id"})

	adapter := &fakeAdapter{}
	adapters := Adapters{"reviews": adapter}

	report, err := CascadeReindex(context.Background(), newObserver(), g, adapters, "products", []string{"p1"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedDuplicate)
	assert.Equal(t, 1, adapter.fullCalls)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
