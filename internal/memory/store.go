package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/google/uuid"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Tier identifies a memory tier.
type Tier string

const (
	TierShort   Tier = "short"
	TierWorking Tier = "working"
	TierLong    Tier = "long"
)

const (
	shortTermTTL     = 48 * time.Hour
	promotionAge     = 7 * 24 * time.Hour
	promotionMinImp  = 0.5
	longTermPruneImp = 0.3
)

// Record is one stored memory.
type Record struct {
	ID         string    `json:"id"`
	Tier       Tier      `json:"tier"`
	Agent      string    `json:"agent,omitempty"`
	Category   string    `json:"category,omitempty"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchResult pairs a record with its similarity score.
type SearchResult struct {
	Record     Record
	Similarity float32
}

// Stats summarizes store size for the system-state endpoint.
type Stats struct {
	VectorCount int     `json:"vector_count"`
	MemoryMB    float64 `json:"memory_mb"`
}

// Embedder produces embeddings for stored content.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the tiered memory adapter over three chromem-go collections.
// Lifecycle operations (eviction, promotion, pruning) run off a jsonl
// index the store owns; the vector collections only serve similarity
// search.
type Store struct {
	db     *chromem.DB
	tiers  map[Tier]*chromem.Collection
	index  *tierIndex
	logger logging.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// Options tune store construction.
type Options struct {
	// PersistDir enables on-disk persistence when non-empty.
	PersistDir string
	Embedder   Embedder
	Logger     logging.Logger
	Now        func() time.Time
}

// NewStore opens (or creates) the tiered store.
func NewStore(opts Options) (*Store, error) {
	embedder := opts.Embedder
	if embedder == nil {
		embedder = NewHashingEmbedder(256)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var db *chromem.DB
	var err error
	if opts.PersistDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(opts.PersistDir, "chromem.gob"), false)
		if err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "open persistent vector store")
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}

	tiers := make(map[Tier]*chromem.Collection, 3)
	for _, tier := range []Tier{TierShort, TierWorking, TierLong} {
		collection, err := db.GetOrCreateCollection(string(tier)+"_term", nil, embeddingFunc)
		if err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "create collection "+string(tier))
		}
		tiers[tier] = collection
	}

	index, err := newTierIndex(opts.PersistDir)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		tiers:  tiers,
		index:  index,
		logger: logging.OrNop(opts.Logger),
		now:    now,
	}, nil
}

// AddShortTerm stores a short-term memory and evicts anything older than 48h.
func (s *Store) AddShortTerm(ctx context.Context, agent, content, contextTag string) (Record, error) {
	record := Record{
		Tier:    TierShort,
		Agent:   agent,
		Content: content,
	}
	if contextTag != "" {
		record.Tags = []string{contextTag}
	}
	record, err := s.add(ctx, record)
	if err != nil {
		return Record{}, err
	}
	if err := s.evictExpiredShortTerm(ctx); err != nil {
		s.logger.Warn("short-term eviction failed: %v", err)
	}
	return record, nil
}

// AddWorking stores a working-tier memory.
func (s *Store) AddWorking(ctx context.Context, agent, content string, importance float64, tags []string) (Record, error) {
	return s.add(ctx, Record{
		Tier:       TierWorking,
		Agent:      agent,
		Content:    content,
		Importance: importance,
		Tags:       tags,
	})
}

// AddLongTerm stores a long-term memory under a category.
func (s *Store) AddLongTerm(ctx context.Context, category, summary string, importance float64, tags []string) (Record, error) {
	return s.add(ctx, Record{
		Tier:       TierLong,
		Category:   category,
		Content:    summary,
		Importance: importance,
		Tags:       tags,
	})
}

func (s *Store) add(ctx context.Context, record Record) (Record, error) {
	if strings.TrimSpace(record.Content) == "" {
		return Record{}, miltonerrors.New(miltonerrors.KindValidation, "memory content is empty")
	}
	if record.Importance < 0 || record.Importance > 1 {
		return Record{}, miltonerrors.Newf(miltonerrors.KindValidation, "importance %.2f outside [0,1]", record.Importance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record.ID = uuid.NewString()
	record.CreatedAt = s.now().UTC()

	err := s.tiers[record.Tier].AddDocument(ctx, chromem.Document{
		ID:       record.ID,
		Content:  record.Content,
		Metadata: recordMetadata(record),
	})
	if err != nil {
		return Record{}, miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "add document")
	}
	if err := s.index.append(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// RecentShortTerm returns short-term records newer than the given window,
// optionally filtered by agent, newest first.
func (s *Store) RecentShortTerm(hours int, agent string) ([]Record, error) {
	if hours <= 0 {
		hours = 48
	}
	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)

	records := s.index.list(TierShort)
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		if agent != "" && r.Agent != agent {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Search performs similarity search over one tier, or all tiers when
// tier is empty. Results are ordered by similarity.
func (s *Store) Search(ctx context.Context, query string, tier Tier, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	tiers := []Tier{TierShort, TierWorking, TierLong}
	if tier != "" {
		tiers = []Tier{tier}
	}

	var results []SearchResult
	for _, t := range tiers {
		collection, ok := s.tiers[t]
		if !ok {
			return nil, miltonerrors.Newf(miltonerrors.KindValidation, "unknown tier %q", t)
		}
		limit := k
		if count := collection.Count(); count < limit {
			limit = count
		}
		if limit == 0 {
			continue
		}
		found, err := collection.Query(ctx, query, limit, nil, nil)
		if err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "query collection")
		}
		for _, r := range found {
			results = append(results, SearchResult{
				Record:     recordFromResult(t, r),
				Similarity: r.Similarity,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Compact applies the working→long-term promotion policy and prunes
// low-importance long-term rows. Working rows older than 7 days with
// importance ≥ 0.5 are summarized into a single long-term row per topic
// cluster; a cluster is the set of rows sharing a primary tag.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	// 1. Promote aged working rows.
	clusters := make(map[string][]Record)
	for _, r := range s.index.list(TierWorking) {
		if now.Sub(r.CreatedAt) < promotionAge || r.Importance < promotionMinImp {
			continue
		}
		clusters[primaryTag(r)] = append(clusters[primaryTag(r)], r)
	}

	for topic, members := range clusters {
		sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })
		var lines []string
		var maxImp float64
		var ids []string
		tagSet := map[string]bool{}
		for _, m := range members {
			lines = append(lines, m.Content)
			if m.Importance > maxImp {
				maxImp = m.Importance
			}
			ids = append(ids, m.ID)
			for _, tag := range m.Tags {
				tagSet[tag] = true
			}
		}
		tags := make([]string, 0, len(tagSet))
		for tag := range tagSet {
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		promoted := Record{
			ID:         uuid.NewString(),
			Tier:       TierLong,
			Category:   topic,
			Content:    strings.Join(lines, "\n"),
			Importance: maxImp,
			Tags:       tags,
			CreatedAt:  now,
		}
		err := s.tiers[TierLong].AddDocument(ctx, chromem.Document{
			ID:       promoted.ID,
			Content:  promoted.Content,
			Metadata: recordMetadata(promoted),
		})
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "promote cluster "+topic)
		}
		if err := s.index.append(promoted); err != nil {
			return err
		}
		if err := s.deleteLocked(ctx, TierWorking, ids); err != nil {
			return err
		}
		s.logger.Info("promoted %d working memories into long-term topic %q", len(members), topic)
	}

	// 2. Prune weak long-term rows.
	var pruneIDs []string
	for _, r := range s.index.list(TierLong) {
		if r.Importance < longTermPruneImp {
			pruneIDs = append(pruneIDs, r.ID)
		}
	}
	if len(pruneIDs) > 0 {
		if err := s.deleteLocked(ctx, TierLong, pruneIDs); err != nil {
			return err
		}
		s.logger.Info("pruned %d low-importance long-term memories", len(pruneIDs))
	}
	return nil
}

// Stats reports vector count and an approximate in-memory footprint.
func (s *Store) Stats() Stats {
	count := 0
	for _, collection := range s.tiers {
		count += collection.Count()
	}
	// Rough estimate: embedding vector plus indexed content per record.
	return Stats{
		VectorCount: count,
		MemoryMB:    math.Round(float64(count)*4.5) / 1000,
	}
}

func (s *Store) evictExpiredShortTerm(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-shortTermTTL)
	var expired []string
	for _, r := range s.index.list(TierShort) {
		if r.CreatedAt.Before(cutoff) {
			expired = append(expired, r.ID)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	if err := s.deleteLocked(ctx, TierShort, expired); err != nil {
		return err
	}
	s.logger.Debug("evicted %d expired short-term memories", len(expired))
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, tier Tier, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.tiers[tier].Delete(ctx, nil, nil, ids...); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindMemoryStoreUnavailable, "delete documents")
	}
	return s.index.remove(tier, ids)
}

func recordMetadata(r Record) map[string]string {
	md := map[string]string{
		"tier":       string(r.Tier),
		"created_at": r.CreatedAt.Format(time.RFC3339),
		"importance": fmt.Sprintf("%.3f", r.Importance),
	}
	if r.Agent != "" {
		md["agent"] = r.Agent
	}
	if r.Category != "" {
		md["category"] = r.Category
	}
	if len(r.Tags) > 0 {
		md["tags"] = strings.Join(r.Tags, ",")
	}
	return md
}

func recordFromResult(tier Tier, r chromem.Result) Record {
	record := Record{
		ID:       r.ID,
		Tier:     tier,
		Content:  r.Content,
		Agent:    r.Metadata["agent"],
		Category: r.Metadata["category"],
	}
	if tags := r.Metadata["tags"]; tags != "" {
		record.Tags = strings.Split(tags, ",")
	}
	if created, err := time.Parse(time.RFC3339, r.Metadata["created_at"]); err == nil {
		record.CreatedAt = created
	}
	fmt.Sscanf(r.Metadata["importance"], "%f", &record.Importance)
	return record
}

func primaryTag(r Record) string {
	if len(r.Tags) > 0 {
		return r.Tags[0]
	}
	if r.Agent != "" {
		return r.Agent
	}
	return "general"
}

// HashingEmbedder is a deterministic local embedder: feature-hashed
// bag of words, L2 normalized. It keeps the store fully offline; a
// backend-powered embedder can be plugged in through Options.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates an embedder producing dim-sized vectors.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dim))
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
