// Package bsky supplies the Bluesky-specific pieces of the pipeline: the
// intercepted API endpoints, the three stage collectors, and the session
// authenticator. Collection never scrapes the DOM; it captures the JSON the
// web app itself receives.
package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Intercepted API endpoints of the Bluesky web app.
const (
	endpointFollows       = "app.bsky.graph.getFollows"
	endpointProfile       = "app.bsky.actor.getProfile"
	endpointAuthorFeed    = "app.bsky.feed.getAuthorFeed"
	endpointNotifications = "app.bsky.notification.listNotifications"
)

// DefaultBaseURL is the Bluesky web app origin.
const DefaultBaseURL = "https://bsky.app"

// Config tunes the collectors.
type Config struct {
	BaseURL string
	// ScrollRounds bounds infinite-scroll pagination per navigation.
	ScrollRounds int
	// CaptureQuiet is how long to wait for further intercepted responses
	// after activity stops.
	CaptureQuiet time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ScrollRounds <= 0 {
		c.ScrollRounds = 5
	}
	if c.CaptureQuiet <= 0 {
		c.CaptureQuiet = 2 * time.Second
	}
	return c
}

func (c Config) profileURL(subject string) string {
	return fmt.Sprintf("%s/profile/%s", c.BaseURL, subject)
}

func (c Config) followsURL(subject string) string {
	return fmt.Sprintf("%s/profile/%s/follows", c.BaseURL, subject)
}

// apiError extracts the error code from an intercepted API payload, or ""
// when the payload is a normal response.
func apiError(payload json.RawMessage) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Error
}

// notFound reports whether the API error means the subject no longer
// resolves upstream.
func notFound(apiErr string) bool {
	switch apiErr {
	case "InvalidRequest", "AccountDeactivated", "AccountTakedown":
		return true
	}
	return false
}

// drainAvailable moves already-buffered payloads out of ch without blocking.
func drainAvailable(ch <-chan json.RawMessage, into []json.RawMessage) []json.RawMessage {
	for {
		select {
		case p := <-ch:
			into = append(into, p)
		default:
			return into
		}
	}
}

// drainQuiet keeps reading payloads until none arrive for quiet, the
// context finishes, or the channel stalls.
func drainQuiet(ctx context.Context, ch <-chan json.RawMessage, quiet time.Duration, into []json.RawMessage) []json.RawMessage {
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case p := <-ch:
			into = append(into, p)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(quiet)
		case <-timer.C:
			return into
		case <-ctx.Done():
			return into
		}
	}
}
