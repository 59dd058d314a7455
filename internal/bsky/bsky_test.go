package bsky

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/frontier/memory"
	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/sink"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

// fakePage scripts intercepted response bodies per endpoint pattern. Bodies
// are delivered on Navigate, matching how interception observes traffic the
// navigation itself triggers.
type fakePage struct {
	bodies map[string][]string

	pattern   string
	ch        chan json.RawMessage
	navigated []string
	scrolls   int
	navErr    error
	scrollErr error
	closed    bool
}

func newFakePage(bodies map[string][]string) *fakePage {
	return &fakePage{bodies: bodies}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	if p.navErr != nil {
		return p.navErr
	}
	if p.ch != nil {
		for _, body := range p.bodies[p.pattern] {
			p.ch <- json.RawMessage(body)
		}
	}
	return nil
}

func (p *fakePage) Intercept(pattern string) (<-chan json.RawMessage, func()) {
	p.pattern = pattern
	p.ch = make(chan json.RawMessage, 64)
	return p.ch, func() {}
}

func (p *fakePage) ScrollBottom(_ context.Context) error {
	p.scrolls++
	return p.scrollErr
}

func (p *fakePage) Click(_ context.Context, _ string) error { return nil }

func (p *fakePage) Close() { p.closed = true }

func testConfig() Config {
	return Config{ScrollRounds: 2, CaptureQuiet: 20 * time.Millisecond}
}

func TestDiscoveryEnqueuesFollowsAndRecordsPages(t *testing.T) {
	t.Parallel()

	frontier := memory.NewStore(fixedClock{now: testNow}, 3)
	page := newFakePage(map[string][]string{
		endpointFollows: {
			`{"cursor":"c1","subject":{"did":"did:plc:root"},"follows":[{"did":"did:plc:a","handle":"a.bsky.social"},{"did":"did:plc:b","handle":"b.bsky.social"}]}`,
			`{"subject":{"did":"did:plc:root"},"follows":[{"did":"did:plc:c","handle":"c.bsky.social"}]}`,
		},
	})

	c := NewDiscoveryCollector(frontier, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	require.Equal(t, pipeline.StageDiscovery, c.Stage())

	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:root", Handle: "root.bsky.social"}, page)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "c1", records[0].Cursor)
	require.Equal(t, pipeline.KindFollows, records[0].Kind)
	require.Equal(t, "did:plc:root", records[0].EntityID)

	require.Equal(t, []string{"https://bsky.app/profile/root.bsky.social/follows"}, page.navigated)
	require.Equal(t, 2, page.scrolls)

	counts, err := frontier.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts[pipeline.StatusDiscovered])
}

func TestDiscoveryEnqueueIsIdempotentAcrossPages(t *testing.T) {
	t.Parallel()

	frontier := memory.NewStore(fixedClock{now: testNow}, 3)
	page := newFakePage(map[string][]string{
		endpointFollows: {
			`{"follows":[{"did":"did:plc:a","handle":"a.bsky.social"}]}`,
			`{"follows":[{"did":"did:plc:a","handle":"a.bsky.social"}]}`,
		},
	})

	c := NewDiscoveryCollector(frontier, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	_, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:root"}, page)
	require.NoError(t, err)

	counts, err := frontier.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusDiscovered])
}

func TestDiscoveryInterceptionMissIsTransient(t *testing.T) {
	t.Parallel()

	frontier := memory.NewStore(fixedClock{now: testNow}, 3)
	page := newFakePage(nil)

	c := NewDiscoveryCollector(frontier, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	_, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:root"}, page)
	require.Error(t, err)
	require.True(t, pipeline.IsTransient(err))
}

func TestDiscoverySubjectGoneIsPermanent(t *testing.T) {
	t.Parallel()

	frontier := memory.NewStore(fixedClock{now: testNow}, 3)
	page := newFakePage(map[string][]string{
		endpointFollows: {`{"error":"AccountDeactivated","message":"Account is deactivated"}`},
	})

	c := NewDiscoveryCollector(frontier, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	_, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:root"}, page)
	require.Error(t, err)
	require.True(t, pipeline.IsPermanent(err))
}

func TestProfileCapturesOwnSnapshotOnly(t *testing.T) {
	t.Parallel()

	page := newFakePage(map[string][]string{
		endpointProfile: {
			`{"did":"did:plc:other","handle":"other.bsky.social","followersCount":5}`,
			`{"did":"did:plc:me","handle":"me.bsky.social","followersCount":42}`,
		},
	})

	c := NewProfileCollector(fixedClock{now: testNow}, testConfig(), zap.NewNop())
	require.Equal(t, pipeline.StageProfile, c.Stage())

	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me", Handle: "me.bsky.social"}, page)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, pipeline.KindProfile, records[0].Kind)
	require.Empty(t, records[0].Cursor)
	require.Contains(t, string(records[0].Payload), `"followersCount":42`)
	require.Equal(t, []string{"https://bsky.app/profile/me.bsky.social"}, page.navigated)
}

func TestProfileNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	page := newFakePage(map[string][]string{
		endpointProfile: {`{"error":"InvalidRequest","message":"Profile not found"}`},
	})

	c := NewProfileCollector(fixedClock{now: testNow}, testConfig(), zap.NewNop())
	_, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me"}, page)
	require.Error(t, err)
	require.True(t, pipeline.IsPermanent(err))
}

func TestProfileMissIsTransient(t *testing.T) {
	t.Parallel()

	c := NewProfileCollector(fixedClock{now: testNow}, testConfig(), zap.NewNop())
	_, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me"}, newFakePage(nil))
	require.Error(t, err)
	require.True(t, pipeline.IsTransient(err))
}

func TestContentCapturesFeedPages(t *testing.T) {
	t.Parallel()

	staging := sink.NewMemorySink()
	page := newFakePage(map[string][]string{
		endpointAuthorFeed: {
			`{"cursor":"p1","feed":[{"post":{"uri":"at://1"}}]}`,
			`{"cursor":"p2","feed":[{"post":{"uri":"at://2"}}]}`,
		},
	})

	c := NewContentCollector(staging, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	require.Equal(t, pipeline.StageContent, c.Stage())

	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me", Handle: "me.bsky.social"}, page)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "p1", records[0].Cursor)
	require.Equal(t, "p2", records[1].Cursor)
	require.Equal(t, []string{"https://bsky.app/profile/me.bsky.social"}, page.navigated)
}

func TestContentResumesPastRecordedCursor(t *testing.T) {
	t.Parallel()

	staging := sink.NewMemorySink()
	require.NoError(t, staging.Append(context.Background(), pipeline.Record{
		EntityID: "did:plc:me", Kind: pipeline.KindContent, Cursor: "p1",
		CapturedAt: testNow, Payload: json.RawMessage(`{}`),
	}))

	page := newFakePage(map[string][]string{
		endpointAuthorFeed: {
			`{"cursor":"p1","feed":[{"post":{"uri":"at://1"}}]}`,
			`{"cursor":"p2","feed":[{"post":{"uri":"at://2"}}]}`,
		},
	})

	c := NewContentCollector(staging, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me"}, page)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "p2", records[0].Cursor)
}

func TestContentRecapturesWhenResumeCursorVanished(t *testing.T) {
	t.Parallel()

	staging := sink.NewMemorySink()
	require.NoError(t, staging.Append(context.Background(), pipeline.Record{
		EntityID: "did:plc:me", Kind: pipeline.KindContent, Cursor: "gone",
		CapturedAt: testNow, Payload: json.RawMessage(`{}`),
	}))

	page := newFakePage(map[string][]string{
		endpointAuthorFeed: {
			`{"cursor":"p1","feed":[{"post":{"uri":"at://1"}}]}`,
			`{"cursor":"p2","feed":[{"post":{"uri":"at://2"}}]}`,
		},
	})

	c := NewContentCollector(staging, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me"}, page)
	require.NoError(t, err)
	require.Len(t, records, 2, "the whole capture is re-emitted when the stored cursor never reappears")
}

func TestContentFullyCaughtUpCompletesWithNoRecords(t *testing.T) {
	t.Parallel()

	staging := sink.NewMemorySink()
	require.NoError(t, staging.Append(context.Background(), pipeline.Record{
		EntityID: "did:plc:me", Kind: pipeline.KindContent, Cursor: "p2",
		CapturedAt: testNow, Payload: json.RawMessage(`{}`),
	}))

	page := newFakePage(map[string][]string{
		endpointAuthorFeed: {
			`{"cursor":"p1","feed":[]}`,
			`{"cursor":"p2","feed":[]}`,
		},
	})

	c := NewContentCollector(staging, fixedClock{now: testNow}, testConfig(), zap.NewNop())
	records, err := c.Collect(context.Background(), pipeline.Entity{ID: "did:plc:me"}, page)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestAuthenticatorProbe(t *testing.T) {
	t.Parallel()

	t.Run("signed in", func(t *testing.T) {
		t.Parallel()
		b := &fakeBrowser{page: newFakePage(map[string][]string{
			endpointNotifications: {`{"notifications":[]}`},
		})}
		a := NewAuthenticator(AuthConfig{ProbeQuiet: 50 * time.Millisecond}, zap.NewNop())
		ok, err := a.Probe(context.Background(), b)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, b.page.closed)
	})

	t.Run("signed out", func(t *testing.T) {
		t.Parallel()
		b := &fakeBrowser{page: newFakePage(nil)}
		a := NewAuthenticator(AuthConfig{ProbeQuiet: 50 * time.Millisecond}, zap.NewNop())
		ok, err := a.Probe(context.Background(), b)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()
		b := &fakeBrowser{page: newFakePage(map[string][]string{
			endpointNotifications: {`{"error":"ExpiredToken","message":"Token has expired"}`},
		})}
		a := NewAuthenticator(AuthConfig{ProbeQuiet: 50 * time.Millisecond}, zap.NewNop())
		ok, err := a.Probe(context.Background(), b)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestAuthenticatorLoginWaitsForOperator(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		page: newFakePage(nil),
		pages: []*fakePage{
			newFakePage(nil), // sign-in screen
			newFakePage(nil), // first probe, still signed out
			newFakePage(map[string][]string{endpointNotifications: {`{"notifications":[]}`}}),
		},
	}
	a := NewAuthenticator(AuthConfig{
		ProbeQuiet: 20 * time.Millisecond,
		LoginPoll:  10 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Login(ctx, b))
}

func TestAuthenticatorLoginHonorsDeadline(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: newFakePage(nil)}
	a := NewAuthenticator(AuthConfig{
		ProbeQuiet: 10 * time.Millisecond,
		LoginPoll:  10 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := a.Login(ctx, b)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeBrowser hands out pages from a script, falling back to the default
// page when the script runs out.
type fakeBrowser struct {
	page  *fakePage
	pages []*fakePage
	next  int
}

func (b *fakeBrowser) NewPage(_ context.Context) (pipeline.Page, error) {
	if b.next < len(b.pages) {
		p := b.pages[b.next]
		b.next++
		return p, nil
	}
	return b.page, nil
}

func (b *fakeBrowser) ExportState(_ context.Context) ([]byte, error) { return nil, nil }

func (b *fakeBrowser) ImportState(_ context.Context, _ []byte) error { return nil }

func (b *fakeBrowser) Close() {}
