package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/knowledge"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"go.uber.org/zap"
)

const defaultSearchLimit = 5

// Memory reads and writes the knowledge store. The operation comes from the
// "op" param: get, put or search (the default).
type Memory struct {
	agent.Base
	store  knowledge.Store
	logger *zap.Logger
}

// NewMemory creates a memory worker.
func NewMemory(id, name string, store knowledge.Store, logger *zap.Logger, caps ...models.Capability) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		Base:   agent.NewBase(id, name, caps...),
		store:  store,
		logger: logger.With(zap.String("component", "worker"), zap.String("agent", id)),
	}
}

func (m *Memory) Execute(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
	if err := ctx.Err(); err != nil {
		return models.Failed(err)
	}
	op := strings.ToLower(stringParam(t, "op"))
	switch op {
	case "get":
		return m.get(ctx, t)
	case "put":
		return m.put(ctx, t, sc)
	case "", "search":
		return m.search(ctx, t, sc)
	}
	return models.Failed(fmt.Errorf("memory: unknown op %q", op))
}

func (m *Memory) get(ctx context.Context, t models.Task) *models.Result {
	key := stringParam(t, "key")
	if key == "" {
		return models.Failed(errors.New("memory: get needs a key"))
	}
	e, err := m.store.Get(ctx, key)
	if err != nil {
		return models.Failed(err)
	}
	r := models.Succeeded(map[string]any{
		"key":  e.Key,
		"text": e.Value,
		"tags": e.Tags,
	}, 1)
	r.MemoryUpdates = map[string]any{"knowledge:" + e.Key: e.Value}
	return r
}

func (m *Memory) put(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
	key := stringParam(t, "key")
	if key == "" {
		return models.Failed(errors.New("memory: put needs a key"))
	}
	value := stringParam(t, "value")
	if value == "" {
		value = dependencyText(sc)
	}
	if value == "" {
		return models.Failed(fmt.Errorf("memory: nothing to store under %s", key))
	}
	var tags []string
	switch v := t.Params["tags"].(type) {
	case []string:
		tags = v
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				tags = append(tags, s)
			}
		}
	case string:
		tags = strings.Split(v, ",")
	}
	if err := m.store.Put(ctx, knowledge.Entry{Key: key, Value: value, Tags: tags}); err != nil {
		return models.Failed(err)
	}
	m.logger.Debug("knowledge stored", zap.String("key", key))
	return models.Succeeded(map[string]any{"key": key, "stored": true}, 1)
}

func (m *Memory) search(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
	query := stringParam(t, "query")
	if query == "" {
		query = t.Description
	}
	if query == "" && sc != nil {
		query = sc.Goal
	}
	limit := intParam(t, "limit", defaultSearchLimit)

	hits, err := m.store.Search(ctx, query, limit)
	if err != nil {
		return models.Failed(err)
	}
	entries := make([]map[string]any, len(hits))
	lines := make([]string, len(hits))
	for i, h := range hits {
		entries[i] = map[string]any{"key": h.Key, "value": h.Value}
		lines[i] = h.Key + ": " + h.Value
	}
	confidence := 0.5
	if len(hits) > 0 {
		confidence = 0.9
	}
	return models.Succeeded(map[string]any{
		"query":   query,
		"entries": entries,
		"text":    strings.Join(lines, "\n"),
	}, confidence)
}
