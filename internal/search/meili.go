package search

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxResults = "reposcout_results"

var errIndexUnhealthy = errors.New("meilisearch unhealthy")

// ResultRecord is what gets indexed for one named analysis result.
type ResultRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClientID  string `json:"clientId"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ResultIndex keeps analysis results searchable in Meilisearch. Writes are
// fire-and-forget; an unreachable server only disables search.
type ResultIndex struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewResultIndex connects to Meilisearch and configures the index. The
// returned index is usable even if the server is down; a background loop
// picks it up once it recovers.
func NewResultIndex(url, apiKey string, logger *zap.Logger) *ResultIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ResultIndex{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger.Named("meili"),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *ResultIndex) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxResults, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.Error(err))
	}
	index := m.client.Index(idxResults)
	filterable := []interface{}{"clientId", "name"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"name", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *ResultIndex) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *ResultIndex) Close() {
	close(m.done)
}

func (m *ResultIndex) Healthy() bool {
	return m.healthy.Load()
}

// Index queues name's payload for indexing without waiting for it.
func (m *ResultIndex) Index(name, clientID string, payload json.RawMessage) {
	if !m.healthy.Load() {
		return
	}
	record := ResultRecord{
		ID:        documentID(name),
		Name:      name,
		ClientID:  clientID,
		Body:      flattenText(payload),
		UpdatedAt: time.Now().Unix(),
	}
	go func() {
		if _, err := m.client.Index(idxResults).AddDocuments([]ResultRecord{record}, nil); err != nil {
			m.logger.Warn("index result", zap.String("name", name), zap.Error(err))
		}
	}()
}

func (m *ResultIndex) Search(query string, limit int) ([]ResultHit, error) {
	if !m.healthy.Load() {
		return nil, errIndexUnhealthy
	}
	resp, err := m.client.Index(idxResults).Search(query, &meili.SearchRequest{
		Limit:                 int64(limit),
		AttributesToHighlight: []string{"body"},
		AttributesToCrop:      []string{"body"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]ResultHit, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		hits = append(hits, ResultHit{
			Name:     decodeString(hit, "name"),
			ClientID: decodeString(hit, "clientId"),
			Snippet:  firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
		})
	}
	return hits, nil
}

// documentID maps a result name onto the id alphabet Meilisearch accepts.
func documentID(name string) string {
	return hex.EncodeToString([]byte(name))
}

// flattenText collects the string and number leaves of a JSON document in a
// stable order so the payload can be searched as plain text.
func flattenText(payload json.RawMessage) string {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	var parts []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				parts = append(parts, s)
			}
		case float64:
			parts = append(parts, fmt.Sprint(t))
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(doc)
	return strings.Join(parts, " ")
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
