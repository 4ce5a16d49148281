package synonyms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tscore/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	tc := transport.New(transport.Config{Host: host, Port: port, Protocol: "http"})
	return New(tc)
}

func TestUpsertSynonymRejectsInvalidID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	err := c.UpsertSynonym(context.Background(), "products", SynonymSet{ID: "bad id!", Synonyms: []string{"a", "b"}})
	require.Error(t, err)
}

func TestUpsertSynonymRejectsEmptySynonyms(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	err := c.UpsertSynonym(context.Background(), "products", SynonymSet{ID: "sneakers", Synonyms: nil})
	require.Error(t, err)
}

func TestUpsertSynonymSendsExpectedPath(t *testing.T) {
	var gotPath, gotMethod string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(200)
	})
	err := c.UpsertSynonym(context.Background(), "products", SynonymSet{ID: "sneakers", Synonyms: []string{"shoe", "sneaker"}})
	require.NoError(t, err)
	assert.Equal(t, "PUT", gotMethod)
	assert.Equal(t, "/collections/products/synonyms/sneakers", gotPath)
}

func TestListSynonymsDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"synonyms":[{"id":"sneakers","synonyms":["shoe","sneaker"]}]}`))
	})
	sets, err := c.ListSynonyms(context.Background(), "products")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "sneakers", sets[0].ID)
}

func TestDeleteSynonymIsIdempotentOn404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"message":"not found"}`))
	})
	err := c.DeleteSynonym(context.Background(), "products", "sneakers")
	require.NoError(t, err)
}

func TestDeleteSynonymRejectsInvalidID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	err := c.DeleteSynonym(context.Background(), "products", "bad id!")
	require.Error(t, err)
}

func TestUpsertStopwordsSendsExpectedPath(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(200)
	})
	err := c.UpsertStopwords(context.Background(), "products", StopwordSet{ID: "common", Stopwords: []string{"the", "a"}})
	require.NoError(t, err)
	assert.Equal(t, "/collections/products/stopwords/common", gotPath)
}

func TestListStopwordsDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stopwords":[{"id":"common","stopwords":["the","a"]}]}`))
	})
	sets, err := c.ListStopwords(context.Background(), "products")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "common", sets[0].ID)
}

func TestDeleteStopwordsIsIdempotentOn404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"message":"not found"}`))
	})
	err := c.DeleteStopwords(context.Background(), "products", "common")
	require.NoError(t, err)
}
