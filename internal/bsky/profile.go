package bsky

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// ProfileCollector captures the getProfile response for one entity. Profile
// snapshots carry no cursor; a fresh claim recaptures the whole thing.
type ProfileCollector struct {
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

func NewProfileCollector(clock pipeline.Clock, cfg Config, logger *zap.Logger) *ProfileCollector {
	return &ProfileCollector{
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("profile"),
	}
}

func (c *ProfileCollector) Stage() pipeline.Stage { return pipeline.StageProfile }

func (c *ProfileCollector) Collect(ctx context.Context, entity pipeline.Entity, page pipeline.Page) ([]pipeline.Record, error) {
	ch, stop := page.Intercept(endpointProfile)
	defer stop()

	subject := entity.ID
	if entity.Handle != "" {
		subject = entity.Handle
	}
	if err := page.Navigate(ctx, c.cfg.profileURL(subject)); err != nil {
		return nil, pipeline.Transientf("profile: navigate %s: %v", subject, err)
	}

	for _, payload := range drainQuiet(ctx, ch, c.cfg.CaptureQuiet, nil) {
		if apiErr := apiError(payload); apiErr != "" {
			if notFound(apiErr) {
				return nil, pipeline.Permanentf("profile: subject gone upstream: %s", apiErr)
			}
			c.logger.Warn("profile response returned API error",
				zap.String("entity_id", entity.ID),
				zap.String("api_error", apiErr))
			continue
		}
		if !profileMatches(payload, entity) {
			// The app fetches profiles of quoted and reposted accounts
			// on the same endpoint; only the subject's own counts.
			continue
		}
		return []pipeline.Record{{
			EntityID:   entity.ID,
			Kind:       pipeline.KindProfile,
			CapturedAt: c.clock.Now(),
			Payload:    payload,
		}}, nil
	}
	return nil, pipeline.Transientf("profile: no response intercepted for %s", entity.ID)
}

func profileMatches(payload json.RawMessage, entity pipeline.Entity) bool {
	var body struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.DID == entity.ID || (entity.Handle != "" && body.Handle == entity.Handle)
}
