package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticIndex stores documents in an Elasticsearch index. Writes use
// refresh=wait_for so an acknowledged upsert is immediately searchable.
type ElasticIndex struct {
	client *elasticsearch.Client
	name   string
}

func NewElasticIndex(client *elasticsearch.Client, name string) *ElasticIndex {
	return &ElasticIndex{client: client, name: name}
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{e.name}}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("es check index failed: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":         map[string]any{"type": "long"},
				"dataset_id": map[string]any{"type": "long"},
				"text":       map[string]any{"type": "text"},
				"category":   map[string]any{"type": "keyword"},
				"difficulty": map[string]any{"type": "keyword"},
			},
		},
	}
	body, _ := json.Marshal(mapping)
	res, err = esapi.IndicesCreateRequest{Index: e.name, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("es create index failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("es create index failed: %s", res.String())
	}
	return nil
}

func (e *ElasticIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]any{"index": map[string]any{"_index": e.name, "_id": strconv.FormatUint(uint64(d.ID), 10)}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk meta failed: %w", err)
		}
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode bulk doc failed: %w", err)
		}
	}

	res, err := esapi.BulkRequest{Body: &buf, Refresh: "wait_for"}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("es bulk failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("es bulk failed: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode es bulk response failed: %w", err)
	}
	if out.Errors {
		for _, item := range out.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("es bulk item failed: %s", r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("es bulk reported errors")
	}
	return nil
}

func (e *ElasticIndex) DeleteDataset(ctx context.Context, datasetID uint) error {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"dataset_id": datasetID}},
	})
	refresh := true
	res, err := esapi.DeleteByQueryRequest{
		Index:   []string{e.name},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("es delete by query failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("es delete by query failed: %s", res.String())
	}
	return nil
}

func (e *ElasticIndex) Search(ctx context.Context, q Query, p Page) (Result, error) {
	p = p.Normalize()
	body, err := json.Marshal(buildSearchBody(q, p))
	if err != nil {
		return Result{}, fmt.Errorf("marshal es query failed: %w", err)
	}

	res, err := esapi.SearchRequest{
		Index:          []string{e.name},
		Body:           bytes.NewReader(body),
		TrackTotalHits: true,
	}.Do(ctx, e.client)
	if err != nil {
		return Result{}, fmt.Errorf("es search failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return Result{}, nil
	}
	if res.IsError() {
		return Result{}, fmt.Errorf("es search failed: %s", res.String())
	}
	return decodeSearch(res.Body)
}

func buildSearchBody(q Query, p Page) map[string]any {
	filters := []any{}
	if q.DatasetID != 0 {
		filters = append(filters, map[string]any{"term": map[string]any{"dataset_id": q.DatasetID}})
	}
	if q.Category != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"category": q.Category}})
	}
	if q.Difficulty != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"difficulty": q.Difficulty}})
	}

	boolQuery := map[string]any{"filter": filters}
	if q.Keyword != "" {
		boolQuery["must"] = []any{map[string]any{"match": map[string]any{"text": q.Keyword}}}
	}
	return map[string]any{
		"query":   map[string]any{"bool": boolQuery},
		"from":    p.Offset(),
		"size":    p.PageSize,
		"_source": false,
		"sort": []any{
			map[string]any{"_score": "desc"},
			map[string]any{"id": "asc"},
		},
	}
}

func decodeSearch(r io.Reader) (Result, error) {
	var out struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID    string   `json:"_id"`
				Score *float64 `json:"_score"`
				Sort  []any    `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode es search response failed: %w", err)
	}

	res := Result{Total: out.Hits.Total.Value}
	for _, h := range out.Hits.Hits {
		id, err := strconv.ParseUint(h.ID, 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("unexpected es document id %q", h.ID)
		}
		hit := Hit{ID: uint(id)}
		// With an explicit sort ES reports the score in sort[0] only.
		if h.Score != nil {
			hit.Score = *h.Score
		} else if len(h.Sort) > 0 {
			if s, ok := h.Sort[0].(float64); ok {
				hit.Score = s
			}
		}
		res.Hits = append(res.Hits, hit)
	}
	return res, nil
}
