package bsky

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// followsPage is the slice of getFollows response the discovery stage
// cares about. Unknown fields are preserved untouched in the raw payload.
type followsPage struct {
	Cursor  string `json:"cursor"`
	Follows []struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"follows"`
}

// DiscoveryCollector walks an entity's follows list and feeds every
// discovered account back into the frontier.
type DiscoveryCollector struct {
	frontier pipeline.Frontier
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

func NewDiscoveryCollector(frontier pipeline.Frontier, clock pipeline.Clock, cfg Config, logger *zap.Logger) *DiscoveryCollector {
	return &DiscoveryCollector{
		frontier: frontier,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("discovery"),
	}
}

func (c *DiscoveryCollector) Stage() pipeline.Stage { return pipeline.StageDiscovery }

func (c *DiscoveryCollector) Collect(ctx context.Context, entity pipeline.Entity, page pipeline.Page) ([]pipeline.Record, error) {
	payloads, err := c.capture(ctx, entity, page)
	if err != nil {
		return nil, err
	}

	var records []pipeline.Record
	for _, payload := range payloads {
		if apiErr := apiError(payload); apiErr != "" {
			if notFound(apiErr) {
				return records, pipeline.Permanentf("discovery: subject gone upstream: %s", apiErr)
			}
			c.logger.Warn("follows page returned API error",
				zap.String("entity_id", entity.ID),
				zap.String("api_error", apiErr))
			continue
		}
		var fp followsPage
		if err := json.Unmarshal(payload, &fp); err != nil || fp.Follows == nil {
			// A matched URL that is not a follows page; skip it.
			continue
		}
		for _, f := range fp.Follows {
			if f.DID == "" {
				continue
			}
			if _, err := c.frontier.AddIfAbsent(ctx, f.DID, f.Handle); err != nil {
				return records, pipeline.Transientf("discovery: enqueue %s: %v", f.DID, err)
			}
		}
		records = append(records, pipeline.Record{
			EntityID:   entity.ID,
			Kind:       pipeline.KindFollows,
			CapturedAt: c.clock.Now(),
			Cursor:     fp.Cursor,
			Payload:    payload,
		})
	}
	if len(records) == 0 {
		return nil, pipeline.Transientf("discovery: no follows responses intercepted for %s", entity.ID)
	}
	return records, nil
}

func (c *DiscoveryCollector) capture(ctx context.Context, entity pipeline.Entity, page pipeline.Page) ([]json.RawMessage, error) {
	ch, stop := page.Intercept(endpointFollows)
	defer stop()

	subject := entity.ID
	if entity.Handle != "" {
		subject = entity.Handle
	}
	if err := page.Navigate(ctx, c.cfg.followsURL(subject)); err != nil {
		return nil, pipeline.Transientf("discovery: navigate follows of %s: %v", subject, err)
	}

	var payloads []json.RawMessage
	for round := 0; round < c.cfg.ScrollRounds; round++ {
		if err := page.ScrollBottom(ctx); err != nil {
			return nil, pipeline.Transientf("discovery: scroll follows of %s: %v", subject, err)
		}
		payloads = drainAvailable(ch, payloads)
	}
	return drainQuiet(ctx, ch, c.cfg.CaptureQuiet, payloads), nil
}
