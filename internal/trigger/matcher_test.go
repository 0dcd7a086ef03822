package trigger_test

import (
	"testing"

	"realmcore/internal/trigger"
)

func phraseMatcher(candidate string) func(string) bool {
	return func(term string) bool { return trigger.PhraseTermMatch(candidate, term) }
}

func TestEvaluateExpression(t *testing.T) {
	cases := []struct {
		name       string
		expression string
		candidate  string
		want       bool
	}{
		{"single literal match", "altar", "touch the altar", true},
		{"single literal miss", "altar", "touch the door", false},
		{"word boundary", "alt", "touch the altar", false},
		{"multi word phrase", "touch altar", "touch altar now", true},
		{"or left", "altar or lever", "pull the lever", true},
		{"or symbol", "altar | lever", "pull the lever", true},
		{"and both", "open and sesame", "open sesame", true},
		{"and symbol missing", "open + sesame", "open the door", false},
		{"not", "not altar", "pull the lever", true},
		{"not symbol match", "!altar", "touch the altar", false},
		{"precedence not over and", "not altar and lever", "pull the lever", true},
		{"precedence and over or", "altar or open and sesame", "open sesame", true},
		{"parens", "(altar or lever) and pull", "pull the lever", true},
		{"quoted phrase", "'open sesame' or mellon", "say open sesame", true},
		{"quoted miss", "\"open sesame\"", "open the sesame jar", false},
		{"case insensitive", "ALTAR", "Touch The Altar", true},
		{"punctuation stripped", "altar", "altar!", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := trigger.EvaluateExpression(tc.expression, phraseMatcher(tc.candidate), false)
			if err != nil {
				t.Fatalf("evaluate %q: %v", tc.expression, err)
			}
			if got != tc.want {
				t.Fatalf("evaluate %q against %q: got %v, want %v", tc.expression, tc.candidate, got, tc.want)
			}
		})
	}
}

func TestEvaluateExpressionEmpty(t *testing.T) {
	got, err := trigger.EvaluateExpression("   ", phraseMatcher("anything"), true)
	if err != nil || !got {
		t.Fatalf("empty expression with empty=true: got %v, %v", got, err)
	}
	got, err = trigger.EvaluateExpression("", phraseMatcher("anything"), false)
	if err != nil || got {
		t.Fatalf("empty expression with empty=false: got %v, %v", got, err)
	}
}

func TestValidateExpression(t *testing.T) {
	valid := []string{
		"",
		"altar",
		"touch altar or press altar",
		"('open sesame' or password) and not mellon",
		"!(a | b) + c",
	}
	for _, expr := range valid {
		if err := trigger.ValidateExpression(expr); err != nil {
			t.Fatalf("expected %q to validate: %v", expr, err)
		}
	}
	invalid := []string{
		"and altar",
		"altar or",
		"(altar",
		"altar)",
		"'unterminated",
		"not",
	}
	for _, expr := range invalid {
		if err := trigger.ValidateExpression(expr); err == nil {
			t.Fatalf("expected %q to fail validation", expr)
		}
	}
}

func TestFirstTerm(t *testing.T) {
	cases := map[string]string{
		"touch altar or press altar":   "touch altar",
		"'open   sesame' and password": "open sesame",
		"not altar or lever":           "altar",
		"":                             "",
		"(((":                          "",
	}
	for expr, want := range cases {
		if got := trigger.FirstTerm(expr); got != want {
			t.Fatalf("FirstTerm(%q) = %q, want %q", expr, got, want)
		}
	}
}

func TestExactTermMatch(t *testing.T) {
	if !trigger.ExactTermMatch("  Open  Sesame ", "open sesame") {
		t.Fatal("expected normalized exact match")
	}
	if trigger.ExactTermMatch("open sesame now", "open sesame") {
		t.Fatal("exact match must not allow containment")
	}
	if trigger.ExactTermMatch("", "open sesame") {
		t.Fatal("empty candidate must not match")
	}
}

func TestPhraseTermMatchApostrophes(t *testing.T) {
	if !trigger.PhraseTermMatch("you'd better run", "you'd") {
		t.Fatal("apostrophes are part of words")
	}
	if trigger.PhraseTermMatch("youd better run", "you'd") {
		t.Fatal("apostrophe words do not match their stripped form")
	}
}
