package normalize

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/projectpulse/projectpulse/internal/config"
	"github.com/projectpulse/projectpulse/internal/ingest"
)

// popularityCap is the star count at which the popularity sub-score
// saturates. Log-scaled so the difference between 10 and 100 stars
// matters more than the difference between 10k and 20k.
const popularityCap = 10_000

// forksCap is the fork count at which the fork sub-score saturates.
const forksCap = 1_000

// issuePenaltyCap is the open-issue count at which the issue penalty
// reaches its configured maximum.
const issuePenaltyCap = 500

// languageComplexity maps a primary language to a base complexity on the
// 1-5 scale. Systems languages skew higher, markup and config lower.
// Languages not listed default to 2.
var languageComplexity = map[string]int{
	"c":          4,
	"c++":        4,
	"rust":       4,
	"assembly":   5,
	"zig":        4,
	"go":         3,
	"java":       3,
	"c#":         3,
	"kotlin":     3,
	"scala":      3,
	"haskell":    3,
	"erlang":     3,
	"python":     2,
	"ruby":       2,
	"javascript": 2,
	"typescript": 2,
	"php":        2,
	"swift":      2,
	"dart":       2,
	"html":       1,
	"css":        1,
	"shell":      1,
	"markdown":   1,
	"yaml":       1,
	"json":       1,
	"dockerfile": 1,
	"tex":        1,
}

// Normalizer maps raw records into canonical records, computing health
// score, complexity, tech-stack tags, and lifecycle status. It performs
// no I/O; given the same record and reference time it always produces
// the same output.
type Normalizer struct {
	cfg config.ScoreConfig
	now func() time.Time
}

func New(cfg config.ScoreConfig) *Normalizer {
	return &Normalizer{cfg: cfg, now: time.Now}
}

// NewAt returns a Normalizer pinned to a fixed reference time, used by
// tests that assert exact scores.
func NewAt(cfg config.ScoreConfig, now func() time.Time) *Normalizer {
	return &Normalizer{cfg: cfg, now: now}
}

// Normalize validates the raw record's identity fields and produces its
// canonical shape. A missing name or dedup key is a validation failure.
func (n *Normalizer) Normalize(raw ingest.RawRecord) (ingest.CanonicalRecord, error) {
	if strings.TrimSpace(raw.Name) == "" {
		return ingest.CanonicalRecord{}, ingest.NewError(ingest.KindValidation, "record has no name").WithItem(raw.DedupKey)
	}
	if strings.TrimSpace(raw.DedupKey) == "" {
		return ingest.CanonicalRecord{}, ingest.NewError(ingest.KindValidation, fmt.Sprintf("record %q has no dedup key", raw.Name))
	}

	return ingest.CanonicalRecord{
		DedupKey:       raw.DedupKey,
		Name:           strings.TrimSpace(raw.Name),
		Source:         raw.Source,
		Description:    strings.TrimSpace(raw.Description),
		Language:       raw.Language,
		TechStack:      n.techStack(raw),
		HealthScore:    n.healthScore(raw),
		Complexity:     n.complexity(raw),
		Status:         n.status(raw),
		Stars:          raw.Stars,
		Forks:          raw.Forks,
		OpenIssues:     raw.OpenIssues,
		Homepage:       raw.Homepage,
		LastActivityAt: raw.PushedAt,
	}, nil
}

// healthScore is a weighted sum of bounded sub-scores, clamped to
// [0, 100]. The weights are configuration; the invariant is only that
// more activity, popularity, and maintenance raise the score and that
// archival lowers it.
func (n *Normalizer) healthScore(raw ingest.RawRecord) int {
	score := n.cfg.ActivityWeight * n.recencyFactor(raw.PushedAt)
	score += n.cfg.PopularityWeight * logFactor(raw.Stars, popularityCap)
	score += n.cfg.ForksWeight * logFactor(raw.Forks, forksCap)

	if strings.TrimSpace(raw.Description) != "" {
		score += n.cfg.DescriptionBonus
	}
	if strings.TrimSpace(raw.Homepage) != "" {
		score += n.cfg.HomepageBonus
	}

	score -= n.cfg.IssuePenaltyMax * linearFactor(raw.OpenIssues, issuePenaltyCap)
	if raw.Archived {
		score -= n.cfg.ArchivedPenalty
	}

	return clampInt(int(math.Round(score)), 0, 100)
}

// recencyFactor decays linearly from 1 (pushed just now) to 0 (pushed at
// or beyond the active window).
func (n *Normalizer) recencyFactor(pushedAt time.Time) float64 {
	if pushedAt.IsZero() {
		return 0
	}
	age := n.now().Sub(pushedAt)
	if age <= 0 {
		return 1
	}
	window := time.Duration(n.cfg.ActiveWindowDays) * 24 * time.Hour
	if window <= 0 || age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

func (n *Normalizer) complexity(raw ingest.RawRecord) int {
	base, ok := languageComplexity[strings.ToLower(strings.TrimSpace(raw.Language))]
	if !ok {
		base = 2
	}
	if n.cfg.LargeSizeKB > 0 && raw.SizeKB > n.cfg.LargeSizeKB {
		base++
	}
	return clampInt(base, 1, 5)
}

// techStack is the union of explicit topics and the primary language,
// case-normalized, deduplicated, sorted, and truncated to the configured
// maximum.
func (n *Normalizer) techStack(raw ingest.RawRecord) []string {
	seen := make(map[string]struct{})
	tags := make([]string, 0, len(raw.Topics)+1)

	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	add(raw.Language)
	for _, topic := range raw.Topics {
		add(topic)
	}

	sort.Strings(tags)
	if limit := n.cfg.MaxTechStackTags; limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}

// status applies the lifecycle rule table: archived projects are dormant
// regardless of activity, recently pushed projects are active, public
// projects without recent activity are considered shipped, and private
// ones dormant.
func (n *Normalizer) status(raw ingest.RawRecord) string {
	if raw.Archived {
		return ingest.StatusDormant
	}
	if n.recencyFactor(raw.PushedAt) > 0 {
		return ingest.StatusActive
	}
	if raw.Private {
		return ingest.StatusDormant
	}
	return ingest.StatusShipped
}

// logFactor maps count onto [0, 1] on a log scale saturating at limit.
func logFactor(count, limit int) float64 {
	if count <= 0 {
		return 0
	}
	f := math.Log10(float64(count)+1) / math.Log10(float64(limit)+1)
	return math.Min(f, 1)
}

// linearFactor maps count onto [0, 1] linearly saturating at limit.
func linearFactor(count, limit int) float64 {
	if count <= 0 {
		return 0
	}
	if count >= limit {
		return 1
	}
	return float64(count) / float64(limit)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
