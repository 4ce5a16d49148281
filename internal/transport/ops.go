package transport

import (
	"context"
	"net/url"
)

// Search executes a single-collection search (spec §6 search op).
func (c *Client) Search(ctx context.Context, collection string, params map[string]any, urlParams url.Values) (*Response, error) {
	path := "/collections/" + collection + "/documents/search"
	return c.Do(ctx, "POST", path, urlParams, params, false, false)
}

// MultiSearch executes a multi_search request (spec §6).
func (c *Client) MultiSearch(ctx context.Context, body map[string]any, urlParams url.Values) (*Response, error) {
	return c.Do(ctx, "POST", "/multi_search", urlParams, body, false, false)
}

// ImportAction selects the import upsert semantics (spec §6).
type ImportAction string

const (
	ImportUpsert ImportAction = "upsert"
	ImportCreate ImportAction = "create"
	ImportUpdate ImportAction = "update"
)

// Import bulk-imports newline-delimited JSON documents into collection,
// using the elevated import timeout client.
func (c *Client) Import(ctx context.Context, collection string, jsonl []byte, action ImportAction) (*Response, error) {
	q := url.Values{"action": {string(action)}}
	path := "/collections/" + collection + "/documents/import"
	return c.Do(ctx, "POST", path, q, jsonl, true, true)
}

// DeleteByFilter deletes documents matching filterBy.
func (c *Client) DeleteByFilter(ctx context.Context, collection, filterBy string) (*Response, error) {
	q := url.Values{"filter_by": {filterBy}}
	path := "/collections/" + collection + "/documents"
	return c.Do(ctx, "DELETE", path, q, nil, false, false)
}

// CreateCollection creates a physical collection from a compiled schema body.
func (c *Client) CreateCollection(ctx context.Context, schema map[string]any) (*Response, error) {
	return c.Do(ctx, "POST", "/collections", nil, schema, false, false)
}

// GetCollection fetches a live collection's schema.
func (c *Client) GetCollection(ctx context.Context, name string) (*Response, error) {
	return c.Do(ctx, "GET", "/collections/"+name, nil, nil, false, false)
}

// ListCollections enumerates all physical collections.
func (c *Client) ListCollections(ctx context.Context) (*Response, error) {
	return c.Do(ctx, "GET", "/collections", nil, nil, false, false)
}

// DropCollection deletes a physical collection.
func (c *Client) DropCollection(ctx context.Context, name string) (*Response, error) {
	return c.Do(ctx, "DELETE", "/collections/"+name, nil, nil, false, false)
}

// GetAlias resolves a logical alias to its current physical target.
func (c *Client) GetAlias(ctx context.Context, name string) (*Response, error) {
	return c.Do(ctx, "GET", "/aliases/"+name, nil, nil, false, false)
}

// UpsertAlias points a logical alias at a physical collection.
func (c *Client) UpsertAlias(ctx context.Context, name, collectionName string) (*Response, error) {
	body := map[string]any{"collection_name": collectionName}
	return c.Do(ctx, "PUT", "/aliases/"+name, nil, body, false, false)
}

// UpsertSynonym upserts a synonym set.
func (c *Client) UpsertSynonym(ctx context.Context, collection, id string, body map[string]any) (*Response, error) {
	path := "/collections/" + collection + "/synonyms/" + id
	return c.Do(ctx, "PUT", path, nil, body, false, false)
}

// ListSynonyms lists all synonym sets for a collection.
func (c *Client) ListSynonyms(ctx context.Context, collection string) (*Response, error) {
	return c.Do(ctx, "GET", "/collections/"+collection+"/synonyms", nil, nil, false, false)
}

// DeleteSynonym deletes one synonym set.
func (c *Client) DeleteSynonym(ctx context.Context, collection, id string) (*Response, error) {
	return c.Do(ctx, "DELETE", "/collections/"+collection+"/synonyms/"+id, nil, nil, false, false)
}

// UpsertStopwords upserts a stopwords set.
func (c *Client) UpsertStopwords(ctx context.Context, collection, id string, body map[string]any) (*Response, error) {
	path := "/collections/" + collection + "/stopwords/" + id
	return c.Do(ctx, "PUT", path, nil, body, false, false)
}

// ListStopwords lists all stopword sets for a collection.
func (c *Client) ListStopwords(ctx context.Context, collection string) (*Response, error) {
	return c.Do(ctx, "GET", "/collections/"+collection+"/stopwords", nil, nil, false, false)
}

// DeleteStopwords deletes one stopwords set.
func (c *Client) DeleteStopwords(ctx context.Context, collection, id string) (*Response, error) {
	return c.Do(ctx, "DELETE", "/collections/"+collection+"/stopwords/"+id, nil, nil, false, false)
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.Do(ctx, "GET", "/health", nil, nil, false, false)
}
