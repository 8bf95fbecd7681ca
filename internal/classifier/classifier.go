package classifier

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// Signal names reported in verdicts.
const (
	SignalSchemaRecipe   = "schema_recipe"
	SignalIngredientList = "ingredient_list"
	SignalPathToken      = "path_token"
	SignalTitleKeyword   = "title_keyword"
)

// Signals is the fixed vector of structural observations for one page.
// Scoring is a pure function over this vector so weights can be tuned
// and tested without network I/O.
type Signals struct {
	SchemaRecipe   bool
	IngredientList bool
	PathToken      bool
	TitleKeyword   bool
}

// Classifier decides whether a fetched page looks like a recipe page.
// It is heuristic and best-effort: a page is a candidate only when the
// weighted signal score strictly exceeds the threshold, so borderline
// scores stay out of the result set. False positives pollute the
// inferred pattern downstream, so precision wins over recall.
//
// Default weights: schema.org Recipe markup 0.65, ingredient-style list
// 0.30, recipe path token 0.20, recipe title keyword 0.15, against a
// threshold of 0.50. Schema markup alone is decisive; no combination of
// the weaker signals without the ingredient list crosses the line.
type Classifier struct {
	cfg config.ClassifierConfig
}

// New builds a classifier; zero-valued weights fall back to defaults.
func New(cfg config.ClassifierConfig) *Classifier {
	def := config.Default().Classifier
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SchemaWeight == 0 {
		cfg.SchemaWeight = def.SchemaWeight
	}
	if cfg.IngredientWeight == 0 {
		cfg.IngredientWeight = def.IngredientWeight
	}
	if cfg.PathTokenWeight == 0 {
		cfg.PathTokenWeight = def.PathTokenWeight
	}
	if cfg.TitleKeywordWeight == 0 {
		cfg.TitleKeywordWeight = def.TitleKeywordWeight
	}
	if len(cfg.TitleKeywords) == 0 {
		cfg.TitleKeywords = def.TitleKeywords
	}
	if len(cfg.IngredientKeywords) == 0 {
		cfg.IngredientKeywords = def.IngredientKeywords
	}
	if len(cfg.PathTokens) == 0 {
		cfg.PathTokens = def.PathTokens
	}
	return &Classifier{cfg: cfg}
}

// Classify inspects a fetch outcome and returns a verdict. It never
// fails: pages with no parseable HTML yield a non-candidate verdict
// with zero confidence.
func (c *Classifier) Classify(outcome *types.FetchOutcome) types.Verdict {
	verdict := types.Verdict{}
	if outcome != nil && outcome.URL != nil {
		verdict.URL = outcome.URL.String()
	}
	if outcome == nil || !outcome.OK() || len(outcome.Body) == 0 {
		return verdict
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return verdict
	}

	pageURL := outcome.FinalURL
	if pageURL == nil {
		pageURL = outcome.URL
	}

	signals := c.Detect(doc, pageURL)
	score := c.Score(signals)

	verdict.Candidate = score > c.cfg.Threshold
	verdict.Confidence = min(score, 1.0)
	verdict.Signals = signalNames(signals)
	return verdict
}

// Detect evaluates the signal vector against a parsed document.
func (c *Classifier) Detect(doc *goquery.Document, pageURL *url.URL) Signals {
	return Signals{
		SchemaRecipe:   hasSchemaRecipe(doc),
		IngredientList: c.hasIngredientList(doc),
		PathToken:      c.hasPathToken(pageURL),
		TitleKeyword:   c.hasTitleKeyword(doc),
	}
}

// Score combines the signal vector into a weighted sum. Pure function;
// weights are fixed for the lifetime of the classifier.
func (c *Classifier) Score(s Signals) float64 {
	score := 0.0
	if s.SchemaRecipe {
		score += c.cfg.SchemaWeight
	}
	if s.IngredientList {
		score += c.cfg.IngredientWeight
	}
	if s.PathToken {
		score += c.cfg.PathTokenWeight
	}
	if s.TitleKeyword {
		score += c.cfg.TitleKeywordWeight
	}
	return score
}

// hasSchemaRecipe looks for schema.org Recipe markup, either as JSON-LD
// (top-level object, array, or @graph) or as microdata itemtype.
func hasSchemaRecipe(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return true
		}
		if containsRecipeType(data) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}

	itemtype := doc.Find(`[itemtype]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("itemtype")
		return strings.Contains(strings.ToLower(v), "schema.org/recipe")
	})
	return itemtype.Length() > 0
}

func containsRecipeType(data any) bool {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			if containsRecipeType(item) {
				return true
			}
		}
	case map[string]any:
		if isRecipeType(v["@type"]) {
			return true
		}
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				if containsRecipeType(item) {
					return true
				}
			}
		}
	}
	return false
}

func isRecipeType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "recipe")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, "recipe") {
				return true
			}
		}
	}
	return false
}

// hasIngredientList looks for repeated list items near a heading whose
// text mentions ingredient vocabulary, or explicit recipeIngredient
// microdata.
func (c *Classifier) hasIngredientList(doc *goquery.Document) bool {
	if doc.Find(`[itemprop="recipeIngredient"], [itemprop="ingredients"]`).Length() >= 3 {
		return true
	}

	found := false
	doc.Find("h1, h2, h3, h4").EachWithBreak(func(_ int, heading *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(heading.Text()))
		if text == "" || !containsAny(text, c.cfg.IngredientKeywords) {
			return true
		}
		if list := nearestFollowingList(heading); list != nil && list.Find("li").Length() >= 3 {
			found = true
			return false
		}
		return true
	})
	return found
}

// nearestFollowingList finds the list container closest after a
// heading: a following sibling first, then a list inside the heading's
// parent's following siblings.
func nearestFollowingList(heading *goquery.Selection) *goquery.Selection {
	if list := heading.NextAllFiltered("ul, ol").First(); list.Length() > 0 {
		return list
	}
	if list := heading.NextAll().Find("ul, ol").First(); list.Length() > 0 {
		return list
	}
	if list := heading.Parent().NextAll().Filter("ul, ol").First(); list.Length() > 0 {
		return list
	}
	if list := heading.Parent().NextAll().Find("ul, ol").First(); list.Length() > 0 {
		return list
	}
	return nil
}

func (c *Classifier) hasPathToken(pageURL *url.URL) bool {
	if pageURL == nil {
		return false
	}
	for _, segment := range strings.Split(strings.ToLower(pageURL.Path), "/") {
		if segment == "" {
			continue
		}
		for _, token := range c.cfg.PathTokens {
			if segment == token {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) hasTitleKeyword(doc *goquery.Document) bool {
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if title != "" && containsAny(title, c.cfg.TitleKeywords) {
		return true
	}
	h1 := strings.ToLower(strings.TrimSpace(doc.Find("h1").First().Text()))
	return h1 != "" && containsAny(h1, c.cfg.TitleKeywords)
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func signalNames(s Signals) []string {
	var names []string
	if s.SchemaRecipe {
		names = append(names, SignalSchemaRecipe)
	}
	if s.IngredientList {
		names = append(names, SignalIngredientList)
	}
	if s.PathToken {
		names = append(names, SignalPathToken)
	}
	if s.TitleKeyword {
		names = append(names, SignalTitleKeyword)
	}
	return names
}
