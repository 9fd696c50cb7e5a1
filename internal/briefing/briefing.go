// Package briefing assembles the morning briefing from pluggable
// section fetchers. Sections are fetched concurrently and a failing
// section degrades the briefing instead of sinking it.
package briefing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"milton/internal/logging"
	"milton/internal/memory"
	"milton/internal/notify"
)

// Section statuses.
const (
	SectionOK       = "ok"
	SectionDegraded = "degraded"
)

const fetchTimeout = 15 * time.Second

// Fetcher produces one briefing section. Implementations wrap external
// collaborators (weather, news, arxiv, calendar); tests use fakes.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) (string, error)
}

// Section is one named part of the briefing with its own status.
type Section struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Briefing is the assembled result.
type Briefing struct {
	Date        string    `json:"date"`
	Sections    []Section `json:"sections"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Degraded reports whether any section failed.
func (b *Briefing) Degraded() bool {
	for _, s := range b.Sections {
		if s.Status != SectionOK {
			return true
		}
	}
	return false
}

// Text renders the briefing for the notification channel.
func (b *Briefing) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Morning briefing for %s\n", b.Date)
	for _, s := range b.Sections {
		if s.Status == SectionOK {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", s.Name, s.Content)
		} else {
			fmt.Fprintf(&sb, "\n## %s\n(unavailable: %s)\n", s.Name, s.Error)
		}
	}
	return sb.String()
}

// Builder runs the fetchers and distributes the result.
type Builder struct {
	fetchers  []Fetcher
	publisher notify.Publisher
	store     *memory.Store
	logger    logging.Logger
	now       func() time.Time
}

// Options tune builder construction.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewBuilder creates a builder. publisher and store may be nil in
// tests.
func NewBuilder(fetchers []Fetcher, publisher notify.Publisher, store *memory.Store, opts Options) *Builder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		fetchers:  fetchers,
		publisher: publisher,
		store:     store,
		logger:    logging.OrNop(opts.Logger),
		now:       now,
	}
}

// Run fetches every section concurrently, publishes the briefing and
// records it in working memory. The error return covers only the
// distribution side; fetch failures degrade sections.
func (b *Builder) Run(ctx context.Context) (*Briefing, error) {
	now := b.now()
	briefing := &Briefing{
		Date:        now.Format("2006-01-02"),
		Sections:    make([]Section, len(b.fetchers)),
		GeneratedAt: now.UTC(),
	}

	g, fetchCtx := errgroup.WithContext(ctx)
	for i, fetcher := range b.fetchers {
		i, fetcher := i, fetcher
		g.Go(func() error {
			sectionCtx, cancel := context.WithTimeout(fetchCtx, fetchTimeout)
			defer cancel()

			content, err := fetcher.Fetch(sectionCtx)
			section := Section{Name: fetcher.Name(), Status: SectionOK, Content: content}
			if err != nil {
				section = Section{Name: fetcher.Name(), Status: SectionDegraded, Error: err.Error()}
				b.logger.Warn("briefing section %s degraded: %v", fetcher.Name(), err)
			}
			briefing.Sections[i] = section
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if b.publisher != nil {
		_, err := b.publisher.Publish(notify.Message{
			ID:        "briefing-" + briefing.Date,
			Topic:     "briefing",
			Title:     "Morning briefing",
			Body:      briefing.Text(),
			CreatedAt: now.UTC(),
		})
		if err != nil {
			return briefing, err
		}
	}

	if b.store != nil {
		if _, err := b.store.AddWorking(ctx, "briefing", briefing.Text(), 0.4, []string{"briefing"}); err != nil {
			b.logger.Warn("cannot store briefing in working memory: %v", err)
		}
	}

	return briefing, nil
}
