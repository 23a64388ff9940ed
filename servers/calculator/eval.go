package calculator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidExpression is returned for input that is not a well-formed arithmetic expression.
var ErrInvalidExpression = errors.New("invalid expression")

// maxDepth bounds nesting of parentheses, unary signs and exponents.
const maxDepth = 256

// Evaluate computes an arithmetic expression made of numbers, parentheses, the binary operators
// + - * / % ^ (power, right associative) and unary minus. Nothing else is accepted, so it is safe to
// feed it user text.
func Evaluate(expression string) (float64, error) {
	p := &parser{src: strings.TrimSpace(expression)}
	if p.src == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidExpression, p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not a finite number", ErrInvalidExpression)
	}
	return v, nil
}

// FormatNumber renders v without a trailing ".0" for integral values.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type parser struct {
	src   string
	pos   int
	depth int
}

// expr := term (('+' | '-') term)*
func (p *parser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

// term := unary (('*' | '/' | '%') unary)*
func (p *parser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return v, nil
		}
		p.pos++
		r, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			v *= r
		case '/':
			if r == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrInvalidExpression)
			}
			v /= r
		case '%':
			if r == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", ErrInvalidExpression)
			}
			v = math.Mod(v, r)
		}
	}
}

// unary := ('-' | '+') unary | power
func (p *parser) unary() (float64, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return 0, fmt.Errorf("%w: nesting too deep", ErrInvalidExpression)
	}

	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

// power := primary ('^' unary)?
func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

// primary := number | '(' expr ')'
func (p *parser) primary() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidExpression)
		}
		p.pos++
		return v, nil
	case c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case c == 0:
		return 0, fmt.Errorf("%w: unexpected end of input", ErrInvalidExpression)
	default:
		return 0, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidExpression, c, p.pos)
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, p.src[start:p.pos])
	}
	return v, nil
}

// peek skips whitespace and returns the next byte, or 0 at the end of input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}
