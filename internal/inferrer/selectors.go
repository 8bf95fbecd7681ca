package inferrer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Target fields for selector inference. The set is fixed; the top
// candidate per field is what the operator sees first.
const (
	FieldTitle        = "title"
	FieldIngredients  = "ingredients"
	FieldInstructions = "instructions"
)

var fieldOrder = []string{FieldTitle, FieldIngredients, FieldInstructions}

// pageSelectors derives one selector per field from a single page using
// structural heuristics: the main heading for the title, the nearest
// list-like container after an ingredients heading for ingredients, and
// likewise for instructions. Heading matching uses the configured
// classifier vocabulary. Pages where a heuristic finds nothing simply
// contribute no candidate for that field.
func (inf *Inferrer) pageSelectors(html []byte) map[string]string {
	out := make(map[string]string, len(fieldOrder))
	if len(html) == 0 {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return out
	}

	out[FieldTitle] = titleSelector(doc)
	out[FieldIngredients] = listSelector(doc, `[itemprop="recipeIngredient"]`, inf.ingredientWords)
	out[FieldInstructions] = listSelector(doc, `[itemprop="recipeInstructions"]`, inf.instructionWords)
	return out
}

func titleSelector(doc *goquery.Document) string {
	h1 := doc.Find("h1").First()
	if h1.Length() > 0 && strings.TrimSpace(h1.Text()) != "" {
		return elementSelector(h1)
	}
	if strings.TrimSpace(doc.Find("title").First().Text()) != "" {
		return "title"
	}
	return ""
}

// listSelector prefers explicit microdata, then falls back to the list
// container nearest after a heading matching the vocabulary.
func listSelector(doc *goquery.Document, itempropSelector string, headingWords []string) string {
	if doc.Find(itempropSelector).Length() >= 2 {
		return itempropSelector
	}

	selector := ""
	doc.Find("h1, h2, h3, h4").EachWithBreak(func(_ int, heading *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(heading.Text()))
		if text == "" {
			return true
		}
		matched := false
		for _, word := range headingWords {
			if strings.Contains(text, word) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
		if list := followingList(heading); list != nil {
			selector = elementSelector(list)
			return false
		}
		return true
	})
	return selector
}

func followingList(heading *goquery.Selection) *goquery.Selection {
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

// elementSelector renders a CSS selector for a concrete element: tag
// plus its first class when present, falling back to id, then bare tag.
func elementSelector(sel *goquery.Selection) string {
	tag := goquery.NodeName(sel)
	if tag == "" {
		return ""
	}
	if class, ok := sel.Attr("class"); ok {
		if first := firstToken(class); first != "" {
			return tag + "." + first
		}
	}
	if id, ok := sel.Attr("id"); ok && strings.TrimSpace(id) != "" {
		return tag + "#" + strings.TrimSpace(id)
	}
	return tag
}

func firstToken(s string) string {
	for _, field := range strings.Fields(s) {
		return field
	}
	return ""
}
