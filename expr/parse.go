package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/zzcclp/blaze/colpack"
)

// Parse builds an expression from a SQL-ish predicate string, for example:
//
//	age >= 21 AND (name = 'ada' OR name IN ('alan', 'grace'))
//
// Supported constructs: the comparison operators =, !=, <>, <, <=, >, >=;
// AND, OR, NOT; IS [NOT] NULL; IN (...); integer, float, string ('...' or
// "...") and boolean literals; parentheses. Keywords are case-insensitive.
//
// The returned expression is unbound: column names and literal kinds are only
// checked by Bind.
func Parse(input string) (Expr, error) {
	p := parser{tokens: nil}
	if err := p.tokenize(input); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("parsing predicate: unexpected %q", tok.text)
	}
	return e, nil
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator
	tokenLeftParen
	tokenRightParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) tokenize(input string) error {
	s := input
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			break
		}
		switch c := s[0]; {
		case c == '(':
			p.tokens = append(p.tokens, token{tokenLeftParen, "("})
			s = s[1:]
		case c == ')':
			p.tokens = append(p.tokens, token{tokenRightParen, ")"})
			s = s[1:]
		case c == ',':
			p.tokens = append(p.tokens, token{tokenComma, ","})
			s = s[1:]
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[1:], c)
			if end < 0 {
				return fmt.Errorf("parsing predicate: unterminated string %s", s)
			}
			p.tokens = append(p.tokens, token{tokenString, s[1 : 1+end]})
			s = s[end+2:]
		case strings.IndexByte("=<>!", c) >= 0:
			n := 1
			if len(s) > 1 && (s[1] == '=' || (c == '<' && s[1] == '>')) {
				n = 2
			}
			p.tokens = append(p.tokens, token{tokenOperator, s[:n]})
			s = s[n:]
		case c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.':
			n := 1
			for n < len(s) && (s[n] >= '0' && s[n] <= '9' || s[n] == '.' || s[n] == 'e' ||
				s[n] == 'E' || ((s[n] == '-' || s[n] == '+') && (s[n-1] == 'e' || s[n-1] == 'E'))) {
				n++
			}
			p.tokens = append(p.tokens, token{tokenNumber, s[:n]})
			s = s[n:]
		case c == '_' || unicode.IsLetter(rune(c)):
			n := 1
			for n < len(s) && (s[n] == '_' || s[n] == '.' ||
				unicode.IsLetter(rune(s[n])) || unicode.IsDigit(rune(s[n]))) {
				n++
			}
			p.tokens = append(p.tokens, token{tokenIdent, s[:n]})
			s = s[n:]
		default:
			return fmt.Errorf("parsing predicate: unexpected character %q", c)
		}
	}
	return nil
}

func (p *parser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{kind: tokenEOF, text: "end of input"}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) keyword(words ...string) bool {
	tok := p.peek()
	if tok.kind != tokenIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(tok.text, w) {
			p.pos++
			return true
		}
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, fmt.Errorf("parsing predicate: expected %s, found %q", what, tok.text)
	}
	return tok, nil
}

func (p *parser) parseOr() (Expr, error) {
	e, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		e = &Or{Lhs: e, Rhs: rhs}
	}
	return e, nil
}

func (p *parser) parseAnd() (Expr, error) {
	e, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		e = &And{Lhs: e, Rhs: rhs}
	}
	return e, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("NOT") {
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: e}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if col, ok := lhs.(*Column); ok {
		switch {
		case p.keyword("IS"):
			if p.keyword("NOT") {
				if !p.keyword("NULL") {
					return nil, fmt.Errorf("parsing predicate: expected NULL after IS NOT")
				}
				return &IsNotNull{Column: col.Name}, nil
			}
			if !p.keyword("NULL") {
				return nil, fmt.Errorf("parsing predicate: expected NULL after IS")
			}
			return &IsNull{Column: col.Name}, nil

		case p.keyword("IN"):
			if _, err := p.expect(tokenLeftParen, "("); err != nil {
				return nil, err
			}
			var values []colpack.Value
			for {
				v, err := p.parseLiteral()
				if err != nil {
					return nil, err
				}
				values = append(values, v.Value)
				if tok := p.next(); tok.kind == tokenRightParen {
					break
				} else if tok.kind != tokenComma {
					return nil, fmt.Errorf("parsing predicate: expected , or ) in list, found %q", tok.text)
				}
			}
			return &InList{Column: col.Name, Values: values}, nil
		}
	}

	if tok := p.peek(); tok.kind == tokenOperator {
		p.pos++
		op, err := operatorOf(tok.text)
		if err != nil {
			return nil, err
		}
		rhs, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Compare{Op: op, Lhs: lhs, Rhs: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) parseOperand() (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenLeftParen:
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRightParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokenIdent:
		if strings.EqualFold(tok.text, "true") || strings.EqualFold(tok.text, "false") {
			p.pos++
			return &Literal{Value: colpack.BooleanValue(strings.EqualFold(tok.text, "true"))}, nil
		}
		p.pos++
		return &Column{Name: tok.text}, nil
	default:
		return p.parseLiteral()
	}
}

func (p *parser) parseLiteral() (*Literal, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		if !strings.ContainsAny(tok.text, ".eE") {
			i, err := strconv.ParseInt(tok.text, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing predicate: invalid integer %q", tok.text)
			}
			return &Literal{Value: colpack.Int64Value(i)}, nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing predicate: invalid number %q", tok.text)
		}
		return &Literal{Value: colpack.DoubleValue(f)}, nil
	case tokenString:
		return &Literal{Value: colpack.StringValue(tok.text)}, nil
	case tokenIdent:
		switch {
		case strings.EqualFold(tok.text, "true"):
			return &Literal{Value: colpack.BooleanValue(true)}, nil
		case strings.EqualFold(tok.text, "false"):
			return &Literal{Value: colpack.BooleanValue(false)}, nil
		}
	}
	return nil, fmt.Errorf("parsing predicate: expected a literal, found %q", tok.text)
}

func operatorOf(text string) (Op, error) {
	switch text {
	case "=", "==":
		return Eq, nil
	case "!=", "<>":
		return NotEq, nil
	case "<":
		return Lt, nil
	case "<=":
		return LtEq, nil
	case ">":
		return Gt, nil
	case ">=":
		return GtEq, nil
	default:
		return 0, fmt.Errorf("parsing predicate: unknown operator %q", text)
	}
}
