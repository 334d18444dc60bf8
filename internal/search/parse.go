package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

var (
	titleLine = regexp.MustCompile(`^\d+\.\s*\*\*(.*?)\*\*`)
	fieldLine = regexp.MustCompile(`^- \*\*(Title|URL|Snippet):\*\*\s*(.*)`)
)

// ParseResponse extracts citations from a Perplexity chat completion body.
// Structured search_results are preferred; the assistant text is parsed
// next; bare citation URLs are the last resort.
func ParseResponse(body []byte) []models.SearchResult {
	var results []models.SearchResult
	gjson.GetBytes(body, "search_results").ForEach(func(_, r gjson.Result) bool {
		results = append(results, models.SearchResult{
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Snippet: r.Get("snippet").String(),
		})
		return true
	})
	if len(results) == 0 {
		results = ParseText(gjson.GetBytes(body, "choices.0.message.content").String())
	}
	if len(results) == 0 {
		gjson.GetBytes(body, "citations").ForEach(func(_, r gjson.Result) bool {
			results = append(results, models.SearchResult{Title: r.String(), URL: r.String()})
			return true
		})
	}
	return Top(results)
}

// ParseText parses the "1. **Title**" / "- **URL:** ..." listing the model is
// asked to produce. Lines that follow a snippet are folded into it.
func ParseText(text string) []models.SearchResult {
	var results []models.SearchResult
	var cur *models.SearchResult
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := titleLine.FindStringSubmatch(line); m != nil {
			if cur != nil {
				results = append(results, *cur)
			}
			cur = &models.SearchResult{Title: strings.TrimSpace(m[1])}
			continue
		}
		if cur == nil {
			continue
		}
		if m := fieldLine.FindStringSubmatch(line); m != nil {
			v := strings.TrimSpace(m[2])
			switch m[1] {
			case "Title":
				cur.Title = v
			case "URL":
				cur.URL = v
			case "Snippet":
				cur.Snippet = v
			}
			continue
		}
		if cur.Snippet != "" {
			cur.Snippet += " " + line
		}
	}
	if cur != nil {
		results = append(results, *cur)
	}
	return results
}

// Top keeps the first MaxResults results and numbers them from 1.
func Top(results []models.SearchResult) []models.SearchResult {
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	out := make([]models.SearchResult, len(results))
	for i, r := range results {
		r.CitationID = i + 1
		out[i] = r
	}
	return out
}

// BuildQuery builds a focused search query for element from the user's
// message and up to three other filled scratchpad entries. The phrase
// "digital health" is always appended.
func BuildQuery(element string, keys []string, values map[string]string, userMsg string) string {
	parts := []string{strings.TrimSpace(userMsg)}
	if element != "" {
		parts = append(parts, "focus on "+util.Humanize(element))
	}
	var ctx []string
	for _, k := range keys {
		v := strings.TrimSpace(values[k])
		if v == "" || k == element {
			continue
		}
		ctx = append(ctx, util.Humanize(k)+": "+v)
		if len(ctx) == 3 {
			break
		}
	}
	if len(ctx) > 0 {
		parts = append(parts, "context: "+strings.Join(ctx, " "))
	}
	parts = append(parts, "digital health")
	return strings.TrimSpace(strings.Join(parts, " "))
}

// FormatCitations returns inline "[^n]" markers and a References block for
// results. Both are empty when there are no results.
func FormatCitations(results []models.SearchResult) (inline, references string) {
	if len(results) == 0 {
		return "", ""
	}
	tags := make([]string, 0, len(results))
	lines := []string{"\n--- References ---"}
	for i, r := range results {
		tag := fmt.Sprintf("[^%d]", i+1)
		tags = append(tags, tag)
		title, url := r.Title, r.URL
		if title == "" {
			title = "No Title"
		}
		if url == "" {
			url = "No URL"
		}
		lines = append(lines, fmt.Sprintf("%s %s - %s", tag, title, url))
	}
	return strings.Join(tags, " "), strings.Join(lines, "\n")
}
