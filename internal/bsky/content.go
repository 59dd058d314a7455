package bsky

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// feedPage is the slice of getAuthorFeed response needed for pagination.
type feedPage struct {
	Cursor string            `json:"cursor"`
	Feed   []json.RawMessage `json:"feed"`
}

// ContentCollector captures an entity's author feed page by page. Pages
// already staged on an earlier, interrupted claim are recognized by the
// last durably-recorded cursor and skipped, so long feeds resume rather
// than restart. When the stored cursor no longer appears (the feed moved
// on), the capture falls back to emitting everything; the sink tolerates
// the duplicates.
type ContentCollector struct {
	sink   pipeline.Sink
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

func NewContentCollector(sink pipeline.Sink, clock pipeline.Clock, cfg Config, logger *zap.Logger) *ContentCollector {
	return &ContentCollector{
		sink:   sink,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("content"),
	}
}

func (c *ContentCollector) Stage() pipeline.Stage { return pipeline.StageContent }

func (c *ContentCollector) Collect(ctx context.Context, entity pipeline.Entity, page pipeline.Page) ([]pipeline.Record, error) {
	resumeCursor, err := c.sink.LastCursor(ctx, entity.ID, pipeline.KindContent)
	if err != nil {
		return nil, pipeline.Transientf("content: read resume cursor for %s: %v", entity.ID, err)
	}

	payloads, err := c.capture(ctx, entity, page)
	if err != nil {
		return nil, err
	}

	var (
		pages   []pipeline.Record
		skipped []pipeline.Record
		skip    = resumeCursor != ""
	)
	for _, payload := range payloads {
		if apiErr := apiError(payload); apiErr != "" {
			if notFound(apiErr) {
				return pages, pipeline.Permanentf("content: subject gone upstream: %s", apiErr)
			}
			c.logger.Warn("feed page returned API error",
				zap.String("entity_id", entity.ID),
				zap.String("api_error", apiErr))
			continue
		}
		var fp feedPage
		if err := json.Unmarshal(payload, &fp); err != nil || fp.Feed == nil {
			continue
		}
		record := pipeline.Record{
			EntityID:   entity.ID,
			Kind:       pipeline.KindContent,
			CapturedAt: c.clock.Now(),
			Cursor:     fp.Cursor,
			Payload:    payload,
		}
		if skip {
			skipped = append(skipped, record)
			if fp.Cursor == resumeCursor {
				skip = false
			}
			continue
		}
		pages = append(pages, record)
	}

	if skip && len(pages) == 0 && len(skipped) > 0 {
		c.logger.Info("resume cursor not seen, recapturing feed from the top",
			zap.String("entity_id", entity.ID),
			zap.String("cursor", resumeCursor))
		pages = skipped
	}
	if len(pages) == 0 && len(skipped) == 0 {
		return nil, pipeline.Transientf("content: no feed responses intercepted for %s", entity.ID)
	}
	return pages, nil
}

func (c *ContentCollector) capture(ctx context.Context, entity pipeline.Entity, page pipeline.Page) ([]json.RawMessage, error) {
	ch, stop := page.Intercept(endpointAuthorFeed)
	defer stop()

	subject := entity.ID
	if entity.Handle != "" {
		subject = entity.Handle
	}
	if err := page.Navigate(ctx, c.cfg.profileURL(subject)); err != nil {
		return nil, pipeline.Transientf("content: navigate %s: %v", subject, err)
	}

	var payloads []json.RawMessage
	for round := 0; round < c.cfg.ScrollRounds; round++ {
		if err := page.ScrollBottom(ctx); err != nil {
			return nil, pipeline.Transientf("content: scroll feed of %s: %v", subject, err)
		}
		payloads = drainAvailable(ch, payloads)
	}
	return drainQuiet(ctx, ch, c.cfg.CaptureQuiet, payloads), nil
}
