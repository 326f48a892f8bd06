package search

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/ticketry/services/ledger/config"
	"example.com/ticketry/services/ledger/internal/models"
)

// ElasticClient indexes ledger events for text search over name and
// location. The authoritative record stays in the ledger; this index is a
// read-side convenience and may lag it.
type ElasticClient struct {
	client  *elasticsearch.Client
	config  config.ElasticConfig
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{enabled: false}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		config:  cfg,
		enabled: true,
	}, nil
}

// IndexEvent writes or rewrites the event document. Called on create and
// again on cancel so the cancelled flag stays searchable.
func (c *ElasticClient) IndexEvent(ctx context.Context, ev models.Event) error {
	if !c.enabled {
		return nil
	}

	doc := map[string]interface{}{
		"id":            ev.ID,
		"creator":       ev.Creator.String(),
		"name":          ev.Name,
		"location":      ev.Location,
		"image":         ev.Image,
		"timestamp":     ev.Timestamp,
		"price":         ev.Price,
		"total_tickets": ev.TotalTickets,
		"tickets_sold":  ev.TicketsSold,
		"created_at":    ev.CreatedAt,
		"cancelled":     ev.Cancelled,
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: strconv.FormatUint(ev.ID, 10),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Uint64("event_id", ev.ID).Msg("event indexed")
	return nil
}

// SearchEvents matches the query text against event name and location.
func (c *ElasticClient) SearchEvents(ctx context.Context, query string, limit int) ([]map[string]interface{}, error) {
	if !c.enabled {
		return nil, errors.New("search is disabled")
	}

	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"name", "location"},
			},
		},
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{config.FormatIndex(c.config, c.config.Index)},
		Body:  bytes.NewReader(bodyJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}
	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}
		docs = append(docs, source)
	}
	return docs, nil
}
