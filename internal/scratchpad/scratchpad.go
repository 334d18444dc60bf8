// Package scratchpad holds the facts collected during a coaching session.
//
// A Scratchpad is a flat key-value store. Keys are declared up front by the
// workflow and are never removed; an empty string means "not provided yet".
// The research_requests key is the only list-valued entry.
package scratchpad

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Recognized scratchpad keys for the value proposition workflow.
const (
	KeyBackground            = "vp_background"
	KeyInterests             = "vp_interests"
	KeyProblemMotivation     = "vp_problem_motivation"
	KeyAnythingElse          = "vp_anything_else"
	KeyUseCase               = "use_case"
	KeyProblem               = "problem"
	KeyTargetCustomer        = "target_customer"
	KeySolution              = "solution"
	KeyMainBenefit           = "main_benefit"
	KeyDifferentiator        = "differentiator"
	KeyResearchRequests      = "research_requests"
	KeyCachedRecommendations = "cached_recommendations"
	KeyFinalSummary          = "final_summary"
)

// aliases maps legacy key names onto their canonical key.
var aliases = map[string]string{
	"vp_use_case":      KeyUseCase,
	"target_user":      KeyTargetCustomer,
	"customer_segment": KeyTargetCustomer,
}

// Canonical returns the canonical name for key, folding known aliases.
func Canonical(key string) string {
	if c, ok := aliases[key]; ok {
		return c
	}
	return key
}

// Scratchpad is the mutable fact store for one session. It is not safe for
// concurrent use; a session is processed one turn at a time.
type Scratchpad struct {
	keys     []string
	values   map[string]string
	research []string
}

// New creates a scratchpad with every key set to the empty value.
func New(keys ...string) *Scratchpad {
	s := &Scratchpad{values: make(map[string]string, len(keys))}
	for _, k := range keys {
		s.declare(Canonical(k))
	}
	return s
}

func (s *Scratchpad) declare(key string) {
	if key == KeyResearchRequests {
		if !slices.Contains(s.keys, key) {
			s.keys = append(s.keys, key)
		}
		return
	}
	if _, ok := s.values[key]; ok {
		return
	}
	s.keys = append(s.keys, key)
	s.values[key] = ""
}

// Get returns the value stored under key, or "" if unset.
func (s *Scratchpad) Get(key string) string {
	return s.values[Canonical(key)]
}

// Set stores value under key. Unknown keys are declared on first write.
func (s *Scratchpad) Set(key, value string) {
	key = Canonical(key)
	if key == KeyResearchRequests {
		s.AddResearchRequest(value)
		return
	}
	s.declare(key)
	s.values[key] = value
}

// Has reports whether key is declared in this scratchpad.
func (s *Scratchpad) Has(key string) bool {
	return slices.Contains(s.keys, Canonical(key))
}

// Filled reports whether key holds a non-blank value.
func (s *Scratchpad) Filled(key string) bool {
	return strings.TrimSpace(s.Get(key)) != ""
}

// Keys returns the declared keys in declaration order.
func (s *Scratchpad) Keys() []string {
	return slices.Clone(s.keys)
}

// Declare puts keys first, in the given order, declaring any that are
// missing. Other keys keep their relative order after them.
func (s *Scratchpad) Declare(keys ...string) {
	if s.values == nil {
		s.values = make(map[string]string, len(keys))
	}
	ordered := make([]string, 0, len(s.keys)+len(keys))
	for _, k := range keys {
		k = Canonical(k)
		if slices.Contains(ordered, k) {
			continue
		}
		ordered = append(ordered, k)
		if _, ok := s.values[k]; !ok && k != KeyResearchRequests {
			s.values[k] = ""
		}
	}
	for _, k := range s.keys {
		if !slices.Contains(ordered, k) {
			ordered = append(ordered, k)
		}
	}
	s.keys = ordered
}

// Research returns the recorded research requests.
func (s *Scratchpad) Research() []string {
	return slices.Clone(s.research)
}

// AddResearchRequest appends a research request, ignoring blanks.
func (s *Scratchpad) AddResearchRequest(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	s.declare(KeyResearchRequests)
	s.research = append(s.research, query)
}

// Values returns a copy of the string-valued entries.
func (s *Scratchpad) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Reset clears every value back to the empty template. Keys are kept.
func (s *Scratchpad) Reset() {
	for k := range s.values {
		s.values[k] = ""
	}
	s.research = nil
}

// Clone returns a deep copy.
func (s *Scratchpad) Clone() *Scratchpad {
	if s == nil {
		return nil
	}
	return &Scratchpad{
		keys:     slices.Clone(s.keys),
		values:   s.Values(),
		research: slices.Clone(s.research),
	}
}

// MarshalJSON renders the scratchpad as a flat object whose members follow
// the declared key order.
func (s *Scratchpad) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		var value any = s.values[k]
		if k == KeyResearchRequests {
			research := s.research
			if research == nil {
				research = []string{}
			}
			value = research
		}
		v, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("scratchpad: key %q: %w", k, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON loads a flat snapshot, declaring keys in document order.
// Alias keys are folded into their canonical key; a non-empty canonical
// value wins over an alias.
func (s *Scratchpad) UnmarshalJSON(data []byte) error {
	names, raw, err := decodeOrdered(data)
	if err != nil {
		return fmt.Errorf("scratchpad: decode snapshot: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]string, len(raw))
	}

	// canonical names first so aliases only fill gaps
	ordered := make([]string, 0, len(names))
	for _, n := range names {
		if _, alias := aliases[n]; !alias {
			ordered = append(ordered, n)
		}
	}
	for _, n := range names {
		if _, alias := aliases[n]; alias {
			ordered = append(ordered, n)
		}
	}

	for _, name := range ordered {
		key := Canonical(name)
		if key == KeyResearchRequests {
			research, err := decodeResearch(raw[name])
			if err != nil {
				return err
			}
			s.declare(key)
			s.research = research
			continue
		}
		var v string
		if err := json.Unmarshal(raw[name], &v); err != nil {
			return fmt.Errorf("scratchpad: key %q: %w", name, err)
		}
		if name != key && s.values[key] != "" {
			continue
		}
		s.declare(key)
		s.values[key] = v
	}
	return nil
}

// decodeOrdered reads a JSON object and returns its member names in
// document order. A repeated name keeps its first position and last value.
func decodeOrdered(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}
	var names []string
	raw := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, seen := raw[name]; !seen {
			names = append(names, name)
		}
		raw[name] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return names, raw, nil
}

// decodeResearch accepts either a list of strings or a list of objects with a
// "query" field.
func decodeResearch(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("scratchpad: research_requests: %w", err)
	}
	list = make([]string, 0, len(objects))
	for _, o := range objects {
		if q, ok := o["query"].(string); ok && q != "" {
			list = append(list, q)
			continue
		}
		b, _ := json.Marshal(o)
		list = append(list, string(b))
	}
	return list, nil
}
