package inferrer

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// Sample is one candidate page handed to the inferrer.
type Sample struct {
	URL  string
	HTML []byte
}

// Inferrer derives a URL path template and field selector candidates
// from a sample of classified recipe pages. It runs once per crawl, at
// the end of the run or on demand, never incrementally.
type Inferrer struct {
	cfg              config.InferenceConfig
	ingredientWords  []string
	instructionWords []string
}

// New builds an inferrer; zero values fall back to defaults. The
// classifier vocabulary doubles as the heading vocabulary for locating
// ingredient and instruction lists, so operator-tuned keywords steer
// both stages.
func New(cfg config.InferenceConfig, vocab config.ClassifierConfig) *Inferrer {
	def := config.Default()
	if cfg.MaxSample <= 0 {
		cfg.MaxSample = def.Inference.MaxSample
	}
	if cfg.LiteralFraction <= 0 || cfg.LiteralFraction > 1 {
		cfg.LiteralFraction = def.Inference.LiteralFraction
	}
	inf := &Inferrer{
		cfg:              cfg,
		ingredientWords:  vocab.IngredientKeywords,
		instructionWords: vocab.InstructionKeywords,
	}
	if len(inf.ingredientWords) == 0 {
		inf.ingredientWords = def.Classifier.IngredientKeywords
	}
	if len(inf.instructionWords) == 0 {
		inf.instructionWords = def.Classifier.InstructionKeywords
	}
	return inf
}

// Infer produces an InferredPattern from the sample. An empty sample
// yields an empty template flagged InsufficientData rather than an
// error; a single-page sample produces a pattern but keeps the flag set
// because one page cannot generalize.
func (inf *Inferrer) Infer(samples []Sample) types.InferredPattern {
	pattern := types.InferredPattern{InferredAt: time.Now()}

	if len(samples) > inf.cfg.MaxSample {
		samples = samples[:inf.cfg.MaxSample]
	}
	if len(samples) == 0 {
		pattern.InsufficientData = true
		return pattern
	}
	pattern.InsufficientData = len(samples) < 2

	urls := make([]string, 0, len(samples))
	for _, s := range samples {
		urls = append(urls, s.URL)
	}
	pattern.SampleURLs = urls
	pattern.URLTemplate = inferTemplate(urls, inf.cfg.LiteralFraction)
	pattern.Selectors = inf.inferSelectors(samples)
	return pattern
}

// inferTemplate aligns path segments positionally across the sample.
// A position becomes a literal token when one byte-identical value
// covers at least literalFraction of the sample; every other position
// becomes a wildcard slot.
func inferTemplate(urls []string, literalFraction float64) string {
	type segmentCount map[string]int
	var positions []segmentCount
	total := 0

	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		total++
		segments := splitPath(parsed.Path)
		for i, segment := range segments {
			if i >= len(positions) {
				positions = append(positions, segmentCount{})
			}
			positions[i][segment]++
		}
	}
	if total == 0 || len(positions) == 0 {
		return ""
	}

	need := literalFraction * float64(total)
	out := make([]string, len(positions))
	for i, counts := range positions {
		best, bestCount := "", 0
		for segment, count := range counts {
			if count > bestCount || (count == bestCount && segment < best) {
				best, bestCount = segment, count
			}
		}
		if float64(bestCount) >= need {
			out[i] = best
		} else {
			out[i] = "*"
		}
	}
	return "/" + strings.Join(out, "/")
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// inferSelectors generates field selectors per page independently,
// groups identical selector strings, and ranks candidates by support
// descending, tie-broken by shorter (more general) selector.
func (inf *Inferrer) inferSelectors(samples []Sample) []types.SelectorCandidate {
	sampleSize := len(samples)
	support := make(map[string]map[string]int, len(fieldOrder))

	for _, sample := range samples {
		for field, selector := range inf.pageSelectors(sample.HTML) {
			if selector == "" {
				continue
			}
			if support[field] == nil {
				support[field] = make(map[string]int)
			}
			support[field][selector]++
		}
	}

	var out []types.SelectorCandidate
	for _, field := range fieldOrder {
		counts := support[field]
		if len(counts) == 0 {
			continue
		}
		candidates := make([]types.SelectorCandidate, 0, len(counts))
		for selector, count := range counts {
			candidates = append(candidates, types.SelectorCandidate{
				Field:      field,
				Selector:   selector,
				Support:    count,
				SampleSize: sampleSize,
			})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Support != candidates[j].Support {
				return candidates[i].Support > candidates[j].Support
			}
			if len(candidates[i].Selector) != len(candidates[j].Selector) {
				return len(candidates[i].Selector) < len(candidates[j].Selector)
			}
			return candidates[i].Selector < candidates[j].Selector
		})
		out = append(out, candidates...)
	}
	return out
}
