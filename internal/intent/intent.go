// Package intent classifies a single user utterance into one of a fixed set of
// conversational intents.
//
// Classification is rule based and deterministic: input is lowercased and
// trimmed, then checked against ordered rules where the first match wins.
package intent

import "strings"

// Intent is the classified purpose of one user utterance.
type Intent string

const (
	Unclear       Intent = "unclear"
	Skip          Intent = "skip"
	AskSuggestion Intent = "ask_suggestion"
	Affirm        Intent = "affirm"
	Negative      Intent = "negative"
	ProvideDetail Intent = "provide_detail"
)

// String returns the wire name of the intent.
func (i Intent) String() string {
	return string(i)
}

// All returns every intent in rule order.
func All() []Intent {
	return []Intent{Unclear, Skip, AskSuggestion, Affirm, Negative, ProvideDetail}
}

type vocabulary map[string]struct{}

func vocab(words ...string) vocabulary {
	v := make(vocabulary, len(words))
	for _, w := range words {
		v[w] = struct{}{}
	}
	return v
}

func (v vocabulary) has(s string) bool {
	_, ok := v[s]
	return ok
}

var (
	skipWords = vocab("skip", "not applicable", "n/a", "na")

	helpWanted = vocab(
		"help", "help me", "example", "examples", "suggestion", "suggestions",
		"give me an example", "any ideas", "ideas",
	)
	helpKeywords = []string{"example", "suggestion", "help", "idea", "suggest", "ideas for"}
	helpNegation = []string{"no help", "don't need help"}

	unclearWords = vocab("?", "idk", "i don't know", "i dont know", "dunno", "huh", "what")

	affirmWords = vocab(
		"yes", "yep", "yeah", "correct", "ok", "okay", "sure", "sounds good",
		"affirmative", "agree", "exactly", "precisely", "fine", "alright", "got it",
	)

	negativeWords = vocab(
		"no", "nope", "incorrect", "not really", "negative", "disagree", "wrong",
		"not correct", "don't agree",
	)
)

// Normalize lowercases and trims text the same way the classifier does.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Classify maps raw user text to an Intent.
func Classify(text string) Intent {
	t := Normalize(text)

	switch {
	case t == "":
		return Unclear
	case skipWords.has(t):
		return Skip
	case wantsHelp(t):
		return AskSuggestion
	case unclearWords.has(t):
		return Unclear
	case affirmWords.has(t):
		return Affirm
	case negativeWords.has(t):
		return Negative
	default:
		return ProvideDetail
	}
}

// wantsHelp applies the help rule to normalized text. A help negation
// disables the rule entirely so evaluation continues with later rules.
func wantsHelp(t string) bool {
	for _, neg := range helpNegation {
		if strings.Contains(t, neg) {
			return false
		}
	}
	if helpWanted.has(t) {
		return true
	}
	for _, kw := range helpKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}
