package remote

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// Query is a parsed query expression:
//
//	select f[, f.sub ...] from T [where cond ((and|or) cond)*] [offset n] [limit n]
type Query struct {
	EntityType string
	Fields     []string
	Where      Condition
	Offset     int
	Limit      int
}

type Condition interface {
	Matches(row map[string]any) bool
}

type comparison struct {
	field  string
	negate bool
	values []any
}

func (c comparison) Matches(row map[string]any) bool {
	value, ok := row[c.field]
	if !ok {
		value = nil
	}

	matched := slices.ContainsFunc(c.values, func(v any) bool {
		return normalise(value) == normalise(v)
	})

	return matched != c.negate
}

type junction struct {
	or          bool
	left, right Condition
}

func (j junction) Matches(row map[string]any) bool {
	if j.or {
		return j.left.Matches(row) || j.right.Matches(row)
	}
	return j.left.Matches(row) && j.right.Matches(row)
}

// normalise reduces wire values to comparable strings. References compare
// by their key values and datetimes by their string form.
func normalise(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		if t[TypeKey] == DateTime {
			return fmt.Sprint(t["value"])
		}
		if _, ok := t[EntityTypeKey]; ok {
			keys := []string{}
			for k := range t {
				if !strings.HasPrefix(k, "__") {
					keys = append(keys, k)
				}
			}
			slices.Sort(keys)

			values := make([]string, 0, len(keys))
			for _, k := range keys {
				values = append(values, normalise(t[k]))
			}
			return strings.Join(values, ",")
		}
	}

	return fmt.Sprint(v)
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenWord
	tokenString
	tokenNumber
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(keyword string) bool {
	return t.kind == tokenWord && strings.EqualFold(t.text, keyword)
}

func tokenize(expression string) ([]token, error) {
	tokens := []token{}
	runes := []rune(expression)

	for i := 0; i < len(runes); {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == ',':
			tokens = append(tokens, token{kind: tokenPunct, text: string(r)})
			i++
		case r == '"':
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			s, err := strconv.Unquote(string(runes[i : j+1]))
			if err != nil {
				return nil, fmt.Errorf("invalid string at position %d: %w", i, err)
			}
			tokens = append(tokens, token{kind: tokenString, text: s})
			i = j + 1
		case r == '-' || unicode.IsDigit(r):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_' || r == '*':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.' || runes[j] == '*') {
				j++
			}
			tokens = append(tokens, token{kind: tokenWord, text: string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
		}
	}

	return append(tokens, token{kind: tokenEOF}), nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expectKeyword(keyword string) error {
	if t := p.next(); !t.is(keyword) {
		return fmt.Errorf("expected %q, found %q", keyword, t.text)
	}
	return nil
}

func (p *parser) expectPunct(punct string) error {
	if t := p.next(); t.kind != tokenPunct || t.text != punct {
		return fmt.Errorf("expected %q, found %q", punct, t.text)
	}
	return nil
}

func (p *parser) word() (string, error) {
	t := p.next()
	if t.kind != tokenWord {
		return "", fmt.Errorf("expected a name, found %q", t.text)
	}
	return t.text, nil
}

func (p *parser) integer() (int, error) {
	t := p.next()
	if t.kind != tokenNumber {
		return 0, fmt.Errorf("expected a number, found %q", t.text)
	}
	return strconv.Atoi(t.text)
}

// ParseQuery parses a query expression
func ParseQuery(expression string) (*Query, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	q := &Query{}

	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}

	for {
		field, err := p.word()
		if err != nil {
			return nil, err
		}
		q.Fields = append(q.Fields, field)

		if t := p.peek(); t.kind == tokenPunct && t.text == "," {
			p.next()
			continue
		}
		break
	}

	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}

	if q.EntityType, err = p.word(); err != nil {
		return nil, err
	}

	for t := p.peek(); t.kind != tokenEOF; t = p.peek() {
		switch {
		case t.is("where"):
			p.next()
			if q.Where, err = p.or(); err != nil {
				return nil, err
			}
		case t.is("offset"):
			p.next()
			if q.Offset, err = p.integer(); err != nil {
				return nil, err
			}
		case t.is("limit"):
			p.next()
			if q.Limit, err = p.integer(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected %q", t.text)
		}
	}

	return q, nil
}

func (p *parser) or() (Condition, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}

	for p.peek().is("or") {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = junction{or: true, left: left, right: right}
	}

	return left, nil
}

func (p *parser) and() (Condition, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}

	for p.peek().is("and") {
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = junction{left: left, right: right}
	}

	return left, nil
}

func (p *parser) term() (Condition, error) {
	if t := p.peek(); t.kind == tokenPunct && t.text == "(" {
		p.next()
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expectPunct(")")
	}

	field, err := p.word()
	if err != nil {
		return nil, err
	}

	op := p.next()
	switch {
	case op.is("is"), op.is("is_not"):
		value, err := p.value()
		if err != nil {
			return nil, err
		}
		return comparison{field: field, negate: op.is("is_not"), values: []any{value}}, nil

	case op.is("in"):
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}

		values := []any{}
		for {
			value, err := p.value()
			if err != nil {
				return nil, err
			}
			values = append(values, value)

			t := p.next()
			if t.kind == tokenPunct && t.text == ")" {
				break
			}
			if t.kind != tokenPunct || t.text != "," {
				return nil, fmt.Errorf("expected \",\" or \")\", found %q", t.text)
			}
		}

		return comparison{field: field, values: values}, nil
	}

	return nil, fmt.Errorf("unknown operator %q", op.text)
}

func (p *parser) value() (any, error) {
	t := p.next()

	switch t.kind {
	case tokenString:
		return t.text, nil
	case tokenNumber:
		return strconv.ParseFloat(t.text, 64)
	case tokenWord:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
	}

	return nil, fmt.Errorf("expected a value, found %q", t.text)
}
