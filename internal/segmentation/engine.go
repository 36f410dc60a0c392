package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

var (
	// ErrSegmentNotFound is returned when a segment id does not exist.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSegmentInactive is returned when an inactive segment is used as a target.
	ErrSegmentInactive = errors.New("segment is inactive")
	// ErrDuplicateName is returned when a segment name is already taken.
	ErrDuplicateName = errors.New("segment name already exists")
)

// Preview limits.
const (
	DefaultPreviewLimit = 10
	MaxPreviewLimit     = 100
)

// Store is the persistence the engine needs. Count, Sample and Resolve run
// live queries; Sample and Resolve order recipients by user id.
type Store interface {
	GetSegment(ctx context.Context, id string) (*domain.Segment, error)
	CreateSegment(ctx context.Context, seg *domain.Segment) error
	UpdateSegment(ctx context.Context, seg *domain.Segment) error
	SaveCount(ctx context.Context, id string, count int, at time.Time) error
	Count(ctx context.Context, p Predicate) (int, error)
	Sample(ctx context.Context, p Predicate, limit int) ([]domain.Recipient, error)
	Resolve(ctx context.Context, p Predicate) ([]domain.Recipient, error)
}

// CountResult is an exact audience size and when it was computed.
type CountResult struct {
	Count      int       `json:"count"`
	ComputedAt time.Time `json:"computed_at"`
	Cached     bool      `json:"cached"`
}

// Preview is a live count plus the first recipients in user id order.
type Preview struct {
	Count      int                `json:"count"`
	Sample     []domain.Recipient `json:"sample"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Resolution is the full recipient list for a launch.
type Resolution struct {
	Recipients []domain.Recipient `json:"recipients"`
	Matched    int                `json:"matched"`
	Excluded   int                `json:"excluded"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// Engine is the main segmentation engine
type Engine struct {
	store    Store
	cache    CountCache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewEngine creates a segmentation engine. cache may be nil, in which case
// only the persisted segment count is reused.
func NewEngine(store Store, cache CountCache, cacheTTL time.Duration) *Engine {
	return &Engine{store: store, cache: cache, cacheTTL: cacheTTL, now: time.Now}
}

// Compile parses and validates a JSON condition tree in one step.
func Compile(raw json.RawMessage) (Node, error) {
	node, err := ParseTree(raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(node).Err(); err != nil {
		return nil, err
	}
	return node, nil
}

// SegmentInput carries the mutable fields of a segment.
type SegmentInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Conditions  json.RawMessage `json:"conditions"`
	Active      *bool           `json:"active"`
}

// CreateSegment validates and stores a new segment.
func (e *Engine) CreateSegment(ctx context.Context, in SegmentInput) (*domain.Segment, error) {
	var errs ValidationErrors
	name := strings.TrimSpace(in.Name)
	if name == "" {
		errs.add("name", "", "name is required")
	}
	node, err := Compile(in.Conditions)
	if err != nil {
		errs = append(errs, Problems(err)...)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	canonical, err := MarshalTree(node)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}

	now := e.now().UTC()
	seg := &domain.Segment{
		ID:          uuid.New().String(),
		Name:        name,
		Description: in.Description,
		Conditions:  canonical,
		Active:      in.Active == nil || *in.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateSegment(ctx, seg); err != nil {
		return nil, err
	}
	logger.Info("segment created", "segment_id", seg.ID, "name", seg.Name)
	return seg, nil
}

// UpdateSegment applies non-empty fields of in. Changing the conditions
// clears the persisted count. Running campaigns keep their frozen recipients.
func (e *Engine) UpdateSegment(ctx context.Context, id string, in SegmentInput) (*domain.Segment, error) {
	seg, err := e.store.GetSegment(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		seg.Name = name
	}
	if in.Description != "" {
		seg.Description = in.Description
	}
	if in.Active != nil {
		seg.Active = *in.Active
	}
	if len(in.Conditions) > 0 {
		node, err := Compile(in.Conditions)
		if err != nil {
			return nil, err
		}
		canonical, err := MarshalTree(node)
		if err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
		seg.Conditions = canonical
		seg.CachedCount = nil
		seg.CountedAt = nil
	}
	seg.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateSegment(ctx, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// GetSegment returns a stored segment.
func (e *Engine) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	return e.store.GetSegment(ctx, id)
}

// PredicateFor loads the predicate for a target segment. An empty id yields
// the default audience.
func (e *Engine) PredicateFor(ctx context.Context, segmentID string) (Predicate, *domain.Segment, error) {
	if segmentID == "" {
		return DefaultPredicate(), nil, nil
	}
	seg, err := e.store.GetSegment(ctx, segmentID)
	if err != nil {
		return Predicate{}, nil, err
	}
	if !seg.Active {
		return Predicate{}, seg, fmt.Errorf("segment %s: %w", seg.ID, ErrSegmentInactive)
	}
	return e.predicateOf(seg)
}

func (e *Engine) predicateOf(seg *domain.Segment) (Predicate, *domain.Segment, error) {
	node, err := Compile(seg.Conditions)
	if err != nil {
		return Predicate{}, seg, fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	return Predicate{Root: node}, seg, nil
}

// Count returns the exact audience size of a segment (or the default
// audience for an empty id), served from cache while fresh.
func (e *Engine) Count(ctx context.Context, segmentID string) (*CountResult, error) {
	p, seg, err := e.PredicateFor(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	key := p.Hash()

	if e.cache != nil {
		res, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("segment count cache read failed", "segment_id", segmentID, "error", err)
		} else if ok {
			res.Cached = true
			return &res, nil
		}
	}
	if seg != nil && seg.CachedCount != nil && seg.CountedAt != nil && e.now().Sub(*seg.CountedAt) < e.cacheTTL {
		return &CountResult{Count: *seg.CachedCount, ComputedAt: *seg.CountedAt, Cached: true}, nil
	}
	return e.countLive(ctx, segmentID, p)
}

// Recount always evaluates live and refreshes both the cache and the
// persisted count.
func (e *Engine) Recount(ctx context.Context, segmentID string) (*CountResult, error) {
	p, _, err := e.PredicateFor(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return e.countLive(ctx, segmentID, p)
}

func (e *Engine) countLive(ctx context.Context, segmentID string, p Predicate) (*CountResult, error) {
	n, err := e.store.Count(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("count audience: %w", err)
	}
	res := CountResult{Count: n, ComputedAt: e.now().UTC()}
	if e.cache != nil {
		if err := e.cache.Set(ctx, p.Hash(), res, e.cacheTTL); err != nil {
			logger.Warn("segment count cache write failed", "segment_id", segmentID, "error", err)
		}
	}
	if segmentID != "" {
		if err := e.store.SaveCount(ctx, segmentID, n, res.ComputedAt); err != nil {
			return nil, fmt.Errorf("save segment count: %w", err)
		}
	}
	return &res, nil
}

// PreviewRequest selects the audience to preview. Conditions, when set,
// take precedence over SegmentID so unsaved trees can be previewed.
type PreviewRequest struct {
	SegmentID          string          `json:"segment_id"`
	Conditions         json.RawMessage `json:"conditions"`
	ExclusionSegmentID string          `json:"exclusion_segment_id"`
	Limit              int             `json:"limit"`
}

// Preview returns a live exact count and the first recipients.
func (e *Engine) Preview(ctx context.Context, req PreviewRequest) (*Preview, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}

	var p Predicate
	if len(req.Conditions) > 0 {
		node, err := Compile(req.Conditions)
		if err != nil {
			return nil, err
		}
		p = Predicate{Root: node}
	} else {
		var err error
		if p, _, err = e.PredicateFor(ctx, req.SegmentID); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	if req.ExclusionSegmentID == "" {
		n, err := e.store.Count(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("count audience: %w", err)
		}
		sample, err := e.store.Sample(ctx, p, limit)
		if err != nil {
			return nil, fmt.Errorf("sample audience: %w", err)
		}
		return &Preview{Count: n, Sample: sample, ComputedAt: now}, nil
	}

	res, err := e.resolve(ctx, p, req.ExclusionSegmentID)
	if err != nil {
		return nil, err
	}
	sample := res.Recipients
	if len(sample) > limit {
		sample = sample[:limit]
	}
	return &Preview{Count: len(res.Recipients), Sample: sample, ComputedAt: now}, nil
}

// Resolve evaluates the target audience live and subtracts the exclusion
// segment's members. Recipients are ordered by user id.
func (e *Engine) Resolve(ctx context.Context, segmentID, exclusionID string) (*Resolution, error) {
	p, _, err := e.PredicateFor(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, p, exclusionID)
}

func (e *Engine) resolve(ctx context.Context, p Predicate, exclusionID string) (*Resolution, error) {
	recipients, err := e.store.Resolve(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	res := &Resolution{Recipients: recipients, Matched: len(recipients), ResolvedAt: e.now().UTC()}
	if exclusionID == "" {
		return res, nil
	}

	// The exclusion applies even when its segment is inactive.
	seg, err := e.store.GetSegment(ctx, exclusionID)
	if err != nil {
		return nil, fmt.Errorf("exclusion segment: %w", err)
	}
	xp, _, err := e.predicateOf(seg)
	if err != nil {
		return nil, err
	}
	excluded, err := e.store.Resolve(ctx, xp)
	if err != nil {
		return nil, fmt.Errorf("resolve exclusion: %w", err)
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, r := range excluded {
		skip[r.UserID] = struct{}{}
	}
	kept := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if _, drop := skip[r.UserID]; !drop {
			kept = append(kept, r)
		}
	}
	res.Recipients = kept
	res.Excluded = len(recipients) - len(kept)
	return res, nil
}
