// Package export renders a coaching session as a Markdown report or a CSV
// of its scratchpad.
package export

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Supported export formats.
const (
	FormatMarkdown = "md"
	FormatCSV      = "csv"
)

// ErrUnknownFormat is returned for formats other than md and csv.
var ErrUnknownFormat = errors.New("unknown export format")

//go:embed report.md.tmpl
var reportSource string

var report = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(reportSource))

type field struct {
	Label string
	Value string
}

type reportView struct {
	Title           string
	SessionID       string
	Phase           string
	Updated         string
	Maturity        scratchpad.Maturity
	Weakest         []string
	Elements        []field
	Background      []field
	Summary         string
	Recommendations string
	Research        []string
}

// Render writes sess in format and returns the body and its content type.
func Render(sess *models.Session, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", FormatMarkdown, "markdown":
		b, err := Markdown(sess)
		return b, "text/markdown; charset=utf-8", err
	case FormatCSV:
		b, err := CSV(sess)
		return b, "text/csv; charset=utf-8", err
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Markdown renders the session report: maturity, each value proposition
// element, intake background, summary, recommendations and pending research.
func Markdown(sess *models.Session) ([]byte, error) {
	sp := sess.Scratchpad
	if sp == nil {
		sp = scratchpad.New()
	}
	m := scratchpad.CalculateMaturity(sp, nil)
	v := reportView{
		Title:           "Value Proposition Report",
		SessionID:       sess.ID,
		Phase:           util.TitleCase(string(sess.Phase)),
		Updated:         sess.UpdatedAt.UTC().Format(time.RFC3339),
		Maturity:        m,
		Summary:         strings.TrimSpace(sp.Get(scratchpad.KeyFinalSummary)),
		Recommendations: strings.TrimSpace(sp.Get(scratchpad.KeyCachedRecommendations)),
		Research:        sp.Research(),
	}
	for _, k := range m.Weakest {
		v.Weakest = append(v.Weakest, util.TitleCase(k))
	}
	for _, k := range scratchpad.CanonicalKeys {
		v.Elements = append(v.Elements, field{Label: util.TitleCase(k), Value: strings.TrimSpace(sp.Get(k))})
	}
	for _, k := range sp.Keys() {
		if !strings.HasPrefix(k, "vp_") || !sp.Filled(k) {
			continue
		}
		v.Background = append(v.Background, field{Label: util.TitleCase(k), Value: strings.TrimSpace(sp.Get(k))})
	}

	var buf bytes.Buffer
	if err := report.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render markdown report: %w", err)
	}
	return buf.Bytes(), nil
}

// CSV renders one row per scratchpad key in declaration order, plus one
// row per pending research request.
func CSV(sess *models.Session) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"key", "label", "value"}); err != nil {
		return nil, err
	}
	sp := sess.Scratchpad
	if sp != nil {
		for _, k := range sp.Keys() {
			if k == scratchpad.KeyResearchRequests {
				for _, q := range sp.Research() {
					if err := w.Write([]string{k, util.TitleCase(k), q}); err != nil {
						return nil, err
					}
				}
				continue
			}
			if err := w.Write([]string{k, util.TitleCase(k), sp.Get(k)}); err != nil {
				return nil, err
			}
		}
	}
	m := scratchpad.CalculateMaturity(sp, nil)
	if err := w.Write([]string{"maturity_score", "Maturity Score", fmt.Sprint(m.Score)}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv export: %w", err)
	}
	return buf.Bytes(), nil
}
