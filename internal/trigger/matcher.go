package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ExprError reports a malformed match expression. Authoring surfaces reject
// the expression; the runtime treats it as a non-match.
type ExprError struct {
	Msg string
}

func (e *ExprError) Error() string { return e.Msg }

func exprErrorf(format string, args ...any) error {
	return &ExprError{Msg: fmt.Sprintf(format, args...)}
}

var wordRE = regexp.MustCompile(`[a-z0-9']+`)

// NormalizePhrase lowercases and reduces text to its word sequence.
func NormalizePhrase(value string) string {
	return strings.Join(wordRE.FindAllString(strings.ToLower(value), -1), " ")
}

// NormalizeExact lowercases and collapses whitespace without dropping
// punctuation words.
func NormalizeExact(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(value))), " ")
}

// PhraseTermMatch reports whether term occurs as a word-bounded phrase inside
// candidate. Used for free-text fields (say text, command text).
func PhraseTermMatch(candidate, term string) bool {
	c := NormalizePhrase(candidate)
	t := NormalizePhrase(term)
	if c == "" || t == "" {
		return false
	}
	return strings.Contains(" "+c+" ", " "+t+" ")
}

// ExactTermMatch reports whether candidate and term normalize to the same
// text. Used for option-valued fields (periodic, receive).
func ExactTermMatch(candidate, term string) bool {
	c := NormalizeExact(candidate)
	t := NormalizeExact(term)
	if c == "" || t == "" {
		return false
	}
	return c == t
}

const (
	tokenLiteral = "literal"
	tokenOr      = "or"
	tokenAnd     = "and"
	tokenNot     = "not"
	tokenLParen  = "lparen"
	tokenRParen  = "rparen"
)

type token struct {
	kind  string
	value string
}

type node interface{ isNode() }

type literalNode struct{ value string }

type unaryNode struct {
	op    string
	child node
}

type binaryNode struct {
	op          string
	left, right node
}

func (literalNode) isNode() {}
func (unaryNode) isNode()   {}
func (binaryNode) isNode()  {}

func isWordChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func matchesWordOperator(text string, index int, op string) bool {
	end := index + len(op)
	if end > len(text) || !strings.EqualFold(text[index:end], op) {
		return false
	}
	if index > 0 && isWordChar(text[index-1]) {
		return false
	}
	if end < len(text) && isWordChar(text[end]) {
		return false
	}
	return true
}

func readQuotedLiteral(text string, start int) (string, int, error) {
	quote := text[start]
	i := start + 1
	var b strings.Builder
	for i < len(text) {
		ch := text[i]
		if ch == '\\' {
			if i+1 >= len(text) {
				return "", 0, exprErrorf("invalid escape sequence in quoted literal")
			}
			b.WriteByte(text[i+1])
			i += 2
			continue
		}
		if ch == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(ch)
		i++
	}
	return "", 0, exprErrorf("unterminated quoted literal")
}

func tokenize(text string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(text) {
		ch := text[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case ch == '|':
			tokens = append(tokens, token{tokenOr, "|"})
			i++
		case ch == '+':
			tokens = append(tokens, token{tokenAnd, "+"})
			i++
		case ch == '!':
			tokens = append(tokens, token{tokenNot, "!"})
			i++
		case matchesWordOperator(text, i, "or"):
			tokens = append(tokens, token{tokenOr, text[i : i+2]})
			i += 2
		case matchesWordOperator(text, i, "and"):
			tokens = append(tokens, token{tokenAnd, text[i : i+3]})
			i += 3
		case matchesWordOperator(text, i, "not"):
			tokens = append(tokens, token{tokenNot, text[i : i+3]})
			i += 3
		case ch == '"' || ch == '\'':
			quoted, next, err := readQuotedLiteral(text, i)
			if err != nil {
				return nil, err
			}
			i = next
			if lit := strings.TrimSpace(quoted); lit != "" {
				tokens = append(tokens, token{tokenLiteral, lit})
			}
		default:
			var b strings.Builder
			for i < len(text) {
				ch := text[i]
				if strings.IndexByte("()|+!", ch) >= 0 {
					break
				}
				if ch == '"' || ch == '\'' {
					quoted, next, err := readQuotedLiteral(text, i)
					if err != nil {
						return nil, err
					}
					b.WriteString(quoted)
					i = next
					continue
				}
				if matchesWordOperator(text, i, "or") || matchesWordOperator(text, i, "and") || matchesWordOperator(text, i, "not") {
					break
				}
				b.WriteByte(ch)
				i++
			}
			lit := strings.TrimSpace(b.String())
			if lit == "" {
				return nil, exprErrorf("unexpected token in expression")
			}
			tokens = append(tokens, token{tokenLiteral, lit})
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	index  int
}

func (p *parser) parse() (node, error) {
	if len(p.tokens) == 0 {
		return nil, exprErrorf("expression is empty")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, exprErrorf("unexpected token %q", t.value)
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	n, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKind(tokenOr) {
		p.index++
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: tokenOr, left: n, right: rhs}
	}
	return n, nil
}

func (p *parser) parseAnd() (node, error) {
	n, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekKind(tokenAnd) {
		p.index++
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: tokenAnd, left: n, right: rhs}
	}
	return n, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peekKind(tokenNot) {
		p.index++
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: tokenNot, child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, exprErrorf("expression ended unexpectedly")
	}
	switch t.kind {
	case tokenLParen:
		p.index++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.peekKind(tokenRParen) {
			return nil, exprErrorf("missing closing ')'")
		}
		p.index++
		return n, nil
	case tokenLiteral:
		p.index++
		return literalNode{value: t.value}, nil
	}
	return nil, exprErrorf("expected a literal or '(', got %q", t.value)
}

func (p *parser) peek() *token {
	if p.index >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.index]
}

func (p *parser) peekKind(kind string) bool {
	t := p.peek()
	return t != nil && t.kind == kind
}

var parseCache sync.Map // expression -> node

func parseExpression(expression string) (node, error) {
	if cached, ok := parseCache.Load(expression); ok {
		return cached.(node), nil
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	p := parser{tokens: tokens}
	n, err := p.parse()
	if err != nil {
		return nil, err
	}
	parseCache.Store(expression, n)
	return n, nil
}

// ValidateExpression checks the match DSL at authoring time. An empty
// expression is valid and matches nothing on its own.
func ValidateExpression(expression string) error {
	text := strings.TrimSpace(expression)
	if text == "" {
		return nil
	}
	_, err := parseExpression(text)
	return err
}

// EvaluateExpression evaluates the match DSL against a per-literal matcher.
// empty is returned for blank expressions so callers decide whether a bare
// trigger is a catch-all or a no-op.
func EvaluateExpression(expression string, termMatcher func(string) bool, empty bool) (bool, error) {
	text := strings.TrimSpace(expression)
	if text == "" {
		return empty, nil
	}
	n, err := parseExpression(text)
	if err != nil {
		return false, err
	}
	return evaluate(n, termMatcher), nil
}

func evaluate(n node, termMatcher func(string) bool) bool {
	switch v := n.(type) {
	case literalNode:
		return termMatcher(v.value)
	case unaryNode:
		return !evaluate(v.child, termMatcher)
	case binaryNode:
		if v.op == tokenAnd {
			return evaluate(v.left, termMatcher) && evaluate(v.right, termMatcher)
		}
		return evaluate(v.left, termMatcher) || evaluate(v.right, termMatcher)
	}
	return false
}

// FirstTerm returns the first literal in the expression, used for display
// labels ("touch altar" on room look).
func FirstTerm(expression string) string {
	if strings.TrimSpace(expression) == "" {
		return ""
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return ""
	}
	for _, t := range tokens {
		if t.kind == tokenLiteral && strings.TrimSpace(t.value) != "" {
			return strings.Join(strings.Fields(t.value), " ")
		}
	}
	return ""
}
