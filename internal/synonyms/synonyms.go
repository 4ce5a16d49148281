// Package synonyms wraps the backend's per-collection synonym and
// stopword CRUD surface (spec §4.11 / C12 [NEW]), a piece of spec §6's
// external HTTP surface the distilled component table omitted.
//
// Grounded on internal/config's validate-eagerly style (reject malformed
// input before issuing a request, rather than letting the backend be the
// only source of truth) and internal/transport (C13) for the actual
// calls.
package synonyms

import (
	"context"

	"tscore/internal/errs"
	"tscore/internal/predicate"
	"tscore/internal/transport"
)

// SynonymSet mirrors the backend's synonym upsert body (spec §3).
type SynonymSet struct {
	ID       string   `json:"id"`
	Root     string   `json:"root,omitempty"`
	Synonyms []string `json:"synonyms"`
	Locale   string   `json:"locale,omitempty"`
}

// StopwordSet mirrors the backend's stopwords upsert body (spec §3).
type StopwordSet struct {
	ID        string   `json:"id"`
	Stopwords []string `json:"stopwords"`
	Locale    string   `json:"locale,omitempty"`
}

// Client performs synonym/stopword CRUD for one backend connection.
type Client struct {
	transport *transport.Client
}

// New builds a synonyms Client over transport.
func New(t *transport.Client) *Client {
	return &Client{transport: t}
}

func validateID(id string) error {
	if !predicate.ValidIdent(id) {
		return errs.New(errs.KindInvalidField, "invalid synonym/stopword id %q", id)
	}
	return nil
}

// UpsertSynonym creates or replaces a synonym set (spec §4.11).
func (c *Client) UpsertSynonym(ctx context.Context, collection string, set SynonymSet) error {
	if err := validateID(set.ID); err != nil {
		return err
	}
	if len(set.Synonyms) == 0 {
		return errs.New(errs.KindInvalidParams, "synonym set %q must declare at least one synonym", set.ID)
	}
	body := map[string]any{"synonyms": set.Synonyms}
	if set.Root != "" {
		body["root"] = set.Root
	}
	if set.Locale != "" {
		body["locale"] = set.Locale
	}
	_, err := c.transport.UpsertSynonym(ctx, collection, set.ID, body)
	if err != nil {
		return errs.Wrap(errs.KindAPI, err, "upserting synonym set %q for %q", set.ID, collection)
	}
	return nil
}

// ListSynonyms lists all synonym sets declared for collection (spec §4.11).
func (c *Client) ListSynonyms(ctx context.Context, collection string) ([]SynonymSet, error) {
	resp, err := c.transport.ListSynonyms(ctx, collection)
	if err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "listing synonym sets for %q", collection)
	}
	var decoded struct {
		Synonyms []SynonymSet `json:"synonyms"`
	}
	if err := resp.JSON(&decoded); err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "decoding synonym sets for %q", collection)
	}
	return decoded.Synonyms, nil
}

// DeleteSynonym deletes one synonym set. A 404 is treated as already-
// deleted, matching spec §7's local-recovery rules.
func (c *Client) DeleteSynonym(ctx context.Context, collection, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := c.transport.DeleteSynonym(ctx, collection, id)
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap(errs.KindAPI, err, "deleting synonym set %q for %q", id, collection)
	}
	return nil
}

// UpsertStopwords creates or replaces a stopwords set (spec §4.11).
func (c *Client) UpsertStopwords(ctx context.Context, collection string, set StopwordSet) error {
	if err := validateID(set.ID); err != nil {
		return err
	}
	if len(set.Stopwords) == 0 {
		return errs.New(errs.KindInvalidParams, "stopwords set %q must declare at least one word", set.ID)
	}
	body := map[string]any{"stopwords": set.Stopwords}
	if set.Locale != "" {
		body["locale"] = set.Locale
	}
	_, err := c.transport.UpsertStopwords(ctx, collection, set.ID, body)
	if err != nil {
		return errs.Wrap(errs.KindAPI, err, "upserting stopwords set %q for %q", set.ID, collection)
	}
	return nil
}

// ListStopwords lists all stopword sets declared for collection (spec §4.11).
func (c *Client) ListStopwords(ctx context.Context, collection string) ([]StopwordSet, error) {
	resp, err := c.transport.ListStopwords(ctx, collection)
	if err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "listing stopword sets for %q", collection)
	}
	var decoded struct {
		Stopwords []StopwordSet `json:"stopwords"`
	}
	if err := resp.JSON(&decoded); err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "decoding stopword sets for %q", collection)
	}
	return decoded.Stopwords, nil
}

// DeleteStopwords deletes one stopwords set, idempotent on 404 (spec §7).
func (c *Client) DeleteStopwords(ctx context.Context, collection, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := c.transport.DeleteStopwords(ctx, collection, id)
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap(errs.KindAPI, err, "deleting stopwords set %q for %q", id, collection)
	}
	return nil
}
