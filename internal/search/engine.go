package search

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/pders01/storyline/internal/storage"
)

// Result represents a search match with relevance scoring
type Result struct {
	Doc     Doc
	Score   float64
	Matches []Match
}

// Match represents where text was found
type Match struct {
	Field  string // "name", "description"
	Text   string
	Weight float64
}

// Engine scores stories and favorites straight from the store, without an
// index.
type Engine struct {
	store *storage.Store
}

func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

// Search ranks stored stories and anonymous favorites against query.
func (e *Engine) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}

	stories, err := e.store.GetAllStories()
	if err != nil {
		return nil, err
	}
	favs, err := e.store.GetAllFavorites()
	if err != nil {
		return nil, err
	}

	docs := make([]Doc, 0, len(stories)+len(favs))
	for _, s := range stories {
		docs = append(docs, StoryDoc(s))
	}
	for _, f := range favs {
		docs = append(docs, FavoriteDoc(f))
	}
	return Rank(docs, query, limit), nil
}

// Rank scores docs against query and returns the matches, best first.
func Rank(docs []Doc, query string, limit int) []*Result {
	terms := tokenize(query)
	if len(terms) == 0 {
		return []*Result{}
	}

	var results []*Result
	for _, d := range docs {
		if r := scoreDoc(d, terms); r != nil {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []*Result{}
	}
	return results
}

// Filter keeps the docs whose name or description contains query,
// ignoring case, in their original order. An empty query keeps all.
func Filter(docs []Doc, query string) []Doc {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return docs
	}
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.Description), q) {
			out = append(out, d)
		}
	}
	return out
}

func scoreDoc(d Doc, terms []string) *Result {
	var matches []Match
	var totalScore float64

	if nameScore := scoreField(d.Name, terms, 4.0); nameScore > 0 {
		matches = append(matches, Match{Field: "name", Text: d.Name, Weight: nameScore})
		totalScore += nameScore
	}

	if descScore := scoreField(d.Description, terms, 2.0); descScore > 0 {
		matches = append(matches, Match{
			Field:  "description",
			Text:   findBestSnippet(d.Description, terms, 150),
			Weight: descScore,
		})
		totalScore += descScore
	}

	if totalScore == 0 {
		return nil
	}
	return &Result{Doc: d, Score: totalScore, Matches: matches}
}

// scoreField calculates relevance score for a field
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		// Exact phrase match (highest score)
		if strings.Contains(lower, term) {
			score += 2.0
			matchedTerms++
		}

		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, term):
				score += 0.5
				matchedTerms++
			}
		}
	}

	// Boost score if multiple terms match
	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// findBestSnippet finds the most relevant text snippet containing search terms
func findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8
	if windowSize > len(words) {
		return truncate(text, maxLength)
	}

	bestScore := 0.0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		windowText := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0.0
		for _, term := range terms {
			if strings.Contains(windowText, term) {
				score += 1.0
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// tokenize breaks text into lowercase searchable terms
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			if term := current.String(); len(term) > 1 { // Skip single chars
				terms = append(terms, term)
			}
			current.Reset()
		}
	}

	if current.Len() > 1 {
		terms = append(terms, current.String())
	}

	return terms
}

// truncate limits text length with ellipsis
func truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen-1]) + "…"
}
