package ranking

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Change classifies rank movement against the previous cycle.
type Change string

const (
	ChangeNew  Change = "new"
	ChangeUp   Change = "up"
	ChangeDown Change = "down"
	ChangeSame Change = "same"
)

// RankTier maps an absolute rank cutoff to a tier label (rank 1 → gold and
// so on). Thresholds live in configuration, not code.
type RankTier struct {
	MaxRank int    `yaml:"max_rank"`
	Tier    string `yaml:"tier"`
}

// PercentileTier maps a minimum percentile to a tier label.
type PercentileTier struct {
	MinPercentile float64 `yaml:"min_percentile"`
	Tier          string  `yaml:"tier"`
}

// Config drives scoring and tier assignment.
type Config struct {
	// Weights blends normalized metric components into the score. Keys
	// are candidate metric names.
	Weights map[string]float64 `yaml:"weights"`

	// MinEvents is the activity qualification threshold; entities below
	// it are excluded from the board entirely.
	MinEvents int64 `yaml:"min_events"`

	RankTiers       []RankTier       `yaml:"rank_tiers"`
	PercentileTiers []PercentileTier `yaml:"percentile_tiers"`
}

// DefaultConfig mirrors the shipped configuration file.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"events":      0.5,
			"reliability": 0.3,
			"speed":       0.2,
		},
		MinEvents: 5,
		RankTiers: []RankTier{
			{MaxRank: 1, Tier: "gold"},
			{MaxRank: 2, Tier: "silver"},
			{MaxRank: 3, Tier: "bronze"},
		},
		PercentileTiers: []PercentileTier{
			{MinPercentile: 95, Tier: "top"},
		},
	}
}

// Candidate is one rankable entity with its raw metric components, read
// from the relevant snapshot.
type Candidate struct {
	EntityID string
	Events   int64
	Metrics  map[string]float64
}

// Entry is one leaderboard line.
type Entry struct {
	Scope      string  `json:"scope"`
	Criterion  string  `json:"criterion"`
	Timeframe  string  `json:"timeframe"`
	EntityID   string  `json:"entity_id"`
	Rank       int     `json:"rank"`
	PrevRank   int     `json:"previous_rank,omitempty"`
	Change     Change  `json:"change"`
	Score      float64 `json:"score"`
	Percentile float64 `json:"percentile"`
	Tier       string  `json:"tier,omitempty"`
}

// Engine recomputes leaderboards wholesale each cycle and diffs them
// against the previous cycle per (scope, criterion, timeframe) partition.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	previous map[string]map[string]Entry
}

// NewEngine builds a ranking engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	if len(cfg.Weights) == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:      cfg,
		previous: make(map[string]map[string]Entry),
	}
}

// Rank orders candidates by weighted normalized score, descending, with
// the entity ID as the deterministic tie-break. Ranks are a contiguous
// 1..N permutation; percentile is (N-rank+1)/N*100.
func (e *Engine) Rank(scope, criterion, timeframe string, candidates []Candidate) []Entry {
	qualified := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Events >= e.cfg.MinEvents {
			qualified = append(qualified, c)
		}
	}
	if len(qualified) == 0 {
		return nil
	}

	scores := e.score(qualified)

	sort.Slice(qualified, func(i, j int) bool {
		si, sj := scores[qualified[i].EntityID], scores[qualified[j].EntityID]
		if si != sj {
			return si > sj
		}
		return qualified[i].EntityID < qualified[j].EntityID
	})

	partition := partitionKey(scope, criterion, timeframe)
	e.mu.Lock()
	prev := e.previous[partition]
	e.mu.Unlock()

	n := len(qualified)
	entries := make([]Entry, n)
	for i, c := range qualified {
		rank := i + 1
		entry := Entry{
			Scope:      scope,
			Criterion:  criterion,
			Timeframe:  timeframe,
			EntityID:   c.EntityID,
			Rank:       rank,
			Change:     ChangeNew,
			Score:      scores[c.EntityID],
			Percentile: float64(n-rank+1) / float64(n) * 100,
		}
		if p, ok := prev[c.EntityID]; ok {
			entry.PrevRank = p.Rank
			switch {
			case rank < p.Rank:
				entry.Change = ChangeUp
			case rank > p.Rank:
				entry.Change = ChangeDown
			default:
				entry.Change = ChangeSame
			}
		}
		entry.Tier = e.tierFor(rank, entry.Percentile)
		entries[i] = entry
	}

	cycle := make(map[string]Entry, n)
	for _, entry := range entries {
		cycle[entry.EntityID] = entry
	}
	e.mu.Lock()
	e.previous[partition] = cycle
	e.mu.Unlock()

	log.Debug().
		Str("scope", scope).
		Str("criterion", criterion).
		Str("timeframe", timeframe).
		Int("entries", n).
		Msg("ranking cycle computed")
	return entries
}

// score min-max normalizes each weighted metric across the field and
// blends per configured weights into a 0..100 score.
func (e *Engine) score(candidates []Candidate) map[string]float64 {
	type bounds struct{ min, max float64 }
	ranges := make(map[string]*bounds)
	for metric := range e.cfg.Weights {
		for i, c := range candidates {
			v := c.Metrics[metric]
			b, ok := ranges[metric]
			if !ok || i == 0 {
				ranges[metric] = &bounds{min: v, max: v}
				continue
			}
			if v < b.min {
				b.min = v
			}
			if v > b.max {
				b.max = v
			}
		}
	}

	var totalWeight float64
	for _, w := range e.cfg.Weights {
		totalWeight += w
	}

	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		var score float64
		for metric, weight := range e.cfg.Weights {
			b := ranges[metric]
			norm := 1.0
			if b.max > b.min {
				norm = (c.Metrics[metric] - b.min) / (b.max - b.min)
			}
			score += weight * norm
		}
		if totalWeight > 0 {
			score = score / totalWeight * 100
		}
		scores[c.EntityID] = score
	}
	return scores
}

// tierFor applies rank tiers first, then percentile tiers.
func (e *Engine) tierFor(rank int, percentile float64) string {
	best := ""
	bestRank := int(^uint(0) >> 1)
	for _, rt := range e.cfg.RankTiers {
		if rank <= rt.MaxRank && rt.MaxRank <= bestRank {
			best = rt.Tier
			bestRank = rt.MaxRank
		}
	}
	if best != "" {
		return best
	}
	var bestPct float64 = -1
	for _, pt := range e.cfg.PercentileTiers {
		if percentile >= pt.MinPercentile && pt.MinPercentile > bestPct {
			best = pt.Tier
			bestPct = pt.MinPercentile
		}
	}
	return best
}

func partitionKey(scope, criterion, timeframe string) string {
	return fmt.Sprintf("%s|%s|%s", scope, criterion, timeframe)
}
