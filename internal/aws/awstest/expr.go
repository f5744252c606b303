package awstest

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

type item = map[string]types.AttributeValue

type tokKind int

const (
	tIdent tokKind = iota
	tName
	tValue
	tOp
	tLParen
	tRParen
	tComma
	tDot
	tEOF
)

type token struct {
	kind tokKind
	text string
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tLParen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tRParen, ")"})
			i++
		case r == ',':
			toks = append(toks, token{tComma, ","})
			i++
		case r == '.':
			toks = append(toks, token{tDot, "."})
			i++
		case r == '+' || r == '-' || r == '=':
			toks = append(toks, token{tOp, string(r)})
			i++
		case r == '<':
			if i+1 < len(rs) && (rs[i+1] == '>' || rs[i+1] == '=') {
				toks = append(toks, token{tOp, string(rs[i : i+2])})
				i += 2
			} else {
				toks = append(toks, token{tOp, "<"})
				i++
			}
		case r == '>':
			if i+1 < len(rs) && rs[i+1] == '=' {
				toks = append(toks, token{tOp, ">="})
				i += 2
			} else {
				toks = append(toks, token{tOp, ">"})
				i++
			}
		case r == '#' || r == ':' || isIdentRune(r):
			j := i + 1
			for j < len(rs) && isIdentRune(rs[j]) {
				j++
			}
			kind := tIdent
			if r == '#' {
				kind = tName
			} else if r == ':' {
				kind = tValue
			}
			toks = append(toks, token{kind, string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return append(toks, token{kind: tEOF}), nil
}

type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func newParser(expr string, names map[string]string, values map[string]types.AttributeValue) (*parser, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q", t.text)
	}
	return t, nil
}

func (p *parser) isKeyword(words ...string) bool {
	t := p.peek()
	if t.kind != tIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (p *parser) parsePath() ([]string, error) {
	var path []string
	for {
		t := p.next()
		switch t.kind {
		case tIdent:
			path = append(path, t.text)
		case tName:
			n, ok := p.names[t.text]
			if !ok {
				return nil, fmt.Errorf("undefined attribute name %s", t.text)
			}
			path = append(path, n)
		default:
			return nil, fmt.Errorf("expected attribute path, got %q", t.text)
		}
		if p.peek().kind != tDot {
			return path, nil
		}
		p.next()
	}
}

type operand func(it item) (types.AttributeValue, bool, error)

func (p *parser) parseOperand(allowFuncs bool) (operand, error) {
	t := p.peek()
	if t.kind == tValue {
		p.next()
		v, ok := p.values[t.text]
		if !ok {
			return nil, fmt.Errorf("undefined attribute value %s", t.text)
		}
		return func(item) (types.AttributeValue, bool, error) { return v, true, nil }, nil
	}
	if allowFuncs && t.kind == tIdent && strings.EqualFold(t.text, "if_not_exists") {
		p.next()
		if _, err := p.expect(tLParen); err != nil {
			return nil, err
		}
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tComma); err != nil {
			return nil, err
		}
		fallback, err := p.parseOperand(true)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		return func(it item) (types.AttributeValue, bool, error) {
			if v, ok := getPath(it, path); ok {
				return v, true, nil
			}
			return fallback(it)
		}, nil
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	return func(it item) (types.AttributeValue, bool, error) {
		v, ok := getPath(it, path)
		return v, ok, nil
	}, nil
}

type condition func(it item) (bool, error)

func parseCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		return nil, fmt.Errorf("unexpected trailing token %q", t.text)
	}
	return c, nil
}

func (p *parser) parseOr() (condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(it item) (bool, error) {
			a, err := l(it)
			if err != nil || a {
				return a, err
			}
			return right(it)
		}
	}
	return left, nil
}

func (p *parser) parseAnd() (condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(it item) (bool, error) {
			a, err := l(it)
			if err != nil || !a {
				return a, err
			}
			return right(it)
		}
	}
	return left, nil
}

func (p *parser) parseNot() (condition, error) {
	if p.isKeyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return func(it item) (bool, error) {
			ok, err := inner(it)
			return !ok, err
		}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condition, error) {
	if p.peek().kind == tLParen {
		p.next()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		return c, nil
	}
	if p.isKeyword("attribute_exists", "attribute_not_exists") {
		fn := strings.ToLower(p.next().text)
		if _, err := p.expect(tLParen); err != nil {
			return nil, err
		}
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		want := fn == "attribute_exists"
		return func(it item) (bool, error) {
			_, ok := getPath(it, path)
			return ok == want, nil
		}, nil
	}

	left, err := p.parseOperand(false)
	if err != nil {
		return nil, err
	}
	op := p.next()
	if op.kind != tOp || op.text == "+" || op.text == "-" {
		return nil, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := p.parseOperand(false)
	if err != nil {
		return nil, err
	}
	return func(it item) (bool, error) {
		a, aok, err := left(it)
		if err != nil {
			return false, err
		}
		b, bok, err := right(it)
		if err != nil {
			return false, err
		}
		if !aok || !bok {
			return op.text == "<>", nil
		}
		switch op.text {
		case "=":
			return equalValues(a, b), nil
		case "<>":
			return !equalValues(a, b), nil
		}
		c, ok := compareValues(a, b)
		if !ok {
			return false, nil
		}
		switch op.text {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}, nil
}

type setAction struct {
	path  []string
	value func(it item) (types.AttributeValue, error)
}

type update struct {
	sets    []setAction
	removes [][]string
}

func parseUpdate(expr string, names map[string]string, values map[string]types.AttributeValue) (*update, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}
	u := &update{}
	for p.peek().kind != tEOF {
		kw := p.next()
		switch {
		case kw.kind == tIdent && strings.EqualFold(kw.text, "SET"):
			for {
				a, err := p.parseSetAction()
				if err != nil {
					return nil, err
				}
				u.sets = append(u.sets, a)
				if p.peek().kind != tComma {
					break
				}
				p.next()
			}
		case kw.kind == tIdent && strings.EqualFold(kw.text, "REMOVE"):
			for {
				path, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				u.removes = append(u.removes, path)
				if p.peek().kind != tComma {
					break
				}
				p.next()
			}
		default:
			return nil, fmt.Errorf("unsupported update clause %q", kw.text)
		}
	}
	return u, nil
}

func (p *parser) parseSetAction() (setAction, error) {
	path, err := p.parsePath()
	if err != nil {
		return setAction{}, err
	}
	if t := p.next(); t.kind != tOp || t.text != "=" {
		return setAction{}, fmt.Errorf("expected '=' in SET action, got %q", t.text)
	}
	left, err := p.parseOperand(true)
	if err != nil {
		return setAction{}, err
	}
	t := p.peek()
	if t.kind != tOp || (t.text != "+" && t.text != "-") {
		return setAction{path: path, value: required(left)}, nil
	}
	p.next()
	right, err := p.parseOperand(true)
	if err != nil {
		return setAction{}, err
	}
	l, r := required(left), required(right)
	return setAction{path: path, value: func(it item) (types.AttributeValue, error) {
		a, err := l(it)
		if err != nil {
			return nil, err
		}
		b, err := r(it)
		if err != nil {
			return nil, err
		}
		an, aok := a.(*types.AttributeValueMemberN)
		bn, bok := b.(*types.AttributeValueMemberN)
		if !aok || !bok {
			return nil, fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		x, err := decimal.NewFromString(an.Value)
		if err != nil {
			return nil, err
		}
		y, err := decimal.NewFromString(bn.Value)
		if err != nil {
			return nil, err
		}
		if t.text == "+" {
			return &types.AttributeValueMemberN{Value: x.Add(y).String()}, nil
		}
		return &types.AttributeValueMemberN{Value: x.Sub(y).String()}, nil
	}}, nil
}

func required(o operand) func(it item) (types.AttributeValue, error) {
	return func(it item) (types.AttributeValue, error) {
		v, ok, err := o(it)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("the provided expression refers to an attribute that does not exist in the item")
		}
		return v, nil
	}
}

// apply evaluates every SET against the original item and then writes.
func (u *update) apply(orig item) (item, error) {
	out := cloneItem(orig)
	vals := make([]types.AttributeValue, len(u.sets))
	for i, s := range u.sets {
		v, err := s.value(orig)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	for i, s := range u.sets {
		if err := setPath(out, s.path, vals[i]); err != nil {
			return nil, err
		}
	}
	for _, path := range u.removes {
		removePath(out, path)
	}
	return out, nil
}

func getPath(it item, path []string) (types.AttributeValue, bool) {
	v, ok := it[path[0]]
	for _, seg := range path[1:] {
		if !ok {
			return nil, false
		}
		m, isMap := v.(*types.AttributeValueMemberM)
		if !isMap {
			return nil, false
		}
		v, ok = m.Value[seg]
	}
	return v, ok
}

func setPath(it item, path []string, v types.AttributeValue) error {
	parent := it
	for _, seg := range path[:len(path)-1] {
		m, ok := parent[seg].(*types.AttributeValueMemberM)
		if !ok {
			return fmt.Errorf("the document path provided in the update expression is invalid for update")
		}
		parent = m.Value
	}
	parent[path[len(path)-1]] = v
	return nil
}

func removePath(it item, path []string) {
	parent := it
	for _, seg := range path[:len(path)-1] {
		m, ok := parent[seg].(*types.AttributeValueMemberM)
		if !ok {
			return
		}
		parent = m.Value
	}
	delete(parent, path[len(path)-1])
}

func compareValues(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		dx, err1 := decimal.NewFromString(x.Value)
		dy, err2 := decimal.NewFromString(y.Value)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return dx.Cmp(dy), true
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x.Value, y.Value), true
	}
	return 0, false
}

func equalValues(a, b types.AttributeValue) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func cloneItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v types.AttributeValue) types.AttributeValue {
	switch x := v.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(x.Value)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(x.Value))
		for i, e := range x.Value {
			l[i] = cloneValue(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), x.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), x.Value...)}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), x.Value...)}
	}
	return v
}
