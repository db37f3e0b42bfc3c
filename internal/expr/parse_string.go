package expr

import (
	"fmt"
	"strconv"
	"strings"
)

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "true": true, "false": true, "null": true,
	"case": true, "when": true, "then": true, "else": true, "end": true, "if": true,
	"is": true, "where": true,
}

type parser struct {
	src   string
	toks  []token
	pos   int
	depth int
	max   int
}

// ParseString parses the string mini-language.
func ParseString(src string, opts Options) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks, max: opts.maxNesting()}
	if len(toks) == 1 {
		return nil, &ParseError{Msg: "empty expression"}
	}
	var root Node
	if opts.AllowAssign && p.looksLikeAssign() {
		root, err = p.parseAssign()
	} else {
		root, err = p.parseExpr()
	}
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		if t.kind == tOp && t.text == "=" {
			return nil, p.errAt(t, "assignment is only allowed in post actions; use '==' to compare")
		}
		if t.kind == tRParen {
			return nil, p.errAt(t, "unbalanced parenthesis")
		}
		return nil, p.errAt(t, "unexpected token")
	}
	return &Expr{Root: root, Source: src, origins: map[Node]Origin{}}, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tIdent && t.text == word
}

func (p *parser) acceptKeyword(word string) bool {
	if p.isKeyword(word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(word string) error {
	if !p.acceptKeyword(word) {
		return p.errAt(p.peek(), fmt.Sprintf("expected %q", word))
	}
	return nil
}

func (p *parser) errAt(t token, msg string) error {
	frag := t.text
	if t.kind == tEOF {
		frag = tail(p.src, 12)
		msg += " at end of expression"
	}
	return &ParseError{Msg: msg, Fragment: frag}
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > p.max {
		return &ParseError{Msg: fmt.Sprintf("expression nesting exceeds %d levels", p.max), Fragment: tail(p.src, 12)}
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

// looksLikeAssign scans for `path =` at the start of the token stream.
func (p *parser) looksLikeAssign() bool {
	i := 0
	if p.toks[i].kind != tIdent {
		return false
	}
	i++
	for p.toks[i].kind == tDot && p.toks[i+1].kind == tIdent {
		i += 2
	}
	return p.toks[i].kind == tOp && p.toks[i].text == "="
}

func (p *parser) parseAssign() (Node, error) {
	start := p.peek()
	target, err := p.parseAccess()
	if err != nil {
		return nil, err
	}
	f, ok := target.(*Field)
	if !ok {
		return nil, p.errAt(start, "assignment target must be a field")
	}
	p.next() // '='
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Assign{Target: f, Value: val}, nil
}

func (p *parser) parseExpr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseOr()
}

// chain guards left-deep operator chains, which the loops below build
// without recursing.
func (p *parser) chain(n int) error {
	if p.depth+n > p.max {
		return &ParseError{Msg: fmt.Sprintf("expression nesting exceeds %d levels", p.max), Fragment: tail(p.src, 12)}
	}
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for n := 1; p.acceptKeyword("or"); n++ {
		if err := p.chain(n); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for n := 1; p.acceptKeyword("and"); n++ {
		if err := p.chain(n); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.acceptKeyword("not") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: OpNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("is") {
		op := OpIsNull
		if p.acceptKeyword("not") {
			op = OpIsNotNull
		}
		if err := p.expectKeyword("null"); err != nil {
			return nil, err
		}
		return &Unary{Op: op, Operand: left}, nil
	}
	t := p.peek()
	if t.kind == tOp && IsComparison(t.text) {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: t.text, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for n := 1; ; n++ {
		t := p.peek()
		if t.kind != tOp || (t.text != OpAdd && t.text != OpSub) {
			return left, nil
		}
		if err := p.chain(n); err != nil {
			return nil, err
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for n := 1; ; n++ {
		t := p.peek()
		if t.kind != tOp || (t.text != OpMul && t.text != OpDiv && t.text != OpMod) {
			return left, nil
		}
		if err := p.chain(n); err != nil {
			return nil, err
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tOp && t.text == OpSub {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate(operand), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tNumber:
		p.next()
		return numberLiteral(t.text)
	case tString:
		p.next()
		return &Literal{Type: LitString, Value: t.text}, nil
	case tLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tRParen {
			return nil, p.errAt(p.peek(), "unbalanced parenthesis, expected ')'")
		}
		p.next()
		return inner, nil
	case tIdent:
		switch t.text {
		case "true", "false":
			p.next()
			return &Literal{Type: LitBool, Value: t.text == "true"}, nil
		case "null":
			p.next()
			return &Literal{Type: LitNull}, nil
		case "case":
			return p.parseCase()
		case "if":
			return p.parseIf()
		}
		if keywords[t.text] {
			return nil, p.errAt(t, "unexpected keyword")
		}
		if p.toks[p.pos+1].kind == tLParen {
			return p.parseCall()
		}
		return p.parseAccess()
	case tRParen:
		return nil, p.errAt(t, "unbalanced parenthesis")
	case tEOF:
		return nil, p.errAt(t, "incomplete expression")
	}
	return nil, p.errAt(t, "unexpected token")
}

func numberLiteral(text string) (Node, error) {
	if strings.ContainsAny(text, ".eE") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, &ParseError{Msg: "malformed number", Fragment: text}
		}
		return &Literal{Type: LitFloat, Value: f}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, &ParseError{Msg: "malformed number", Fragment: text}
	}
	return &Literal{Type: LitInt, Value: n}, nil
}

// parseAccess reads `self.f`, `input.p` or `Entity.f[.g]`.
func (p *parser) parseAccess() (Node, error) {
	first := p.next()
	var segs []string
	for p.peek().kind == tDot {
		p.next()
		t := p.next()
		if t.kind != tIdent {
			return nil, p.errAt(t, "expected a name after '.'")
		}
		segs = append(segs, t.text)
	}
	return accessNode(first.text, segs, p.src)
}

func accessNode(root string, segs []string, frag string) (Node, error) {
	switch {
	case len(segs) == 0:
		return nil, &ParseError{Msg: "unknown identifier shape; expected self.<field>, input.<name> or <Entity>.<field>", Fragment: root}
	case root == "input":
		if len(segs) != 1 {
			return nil, &ParseError{Msg: "input access takes exactly one name", Fragment: root + "." + strings.Join(segs, ".")}
		}
		return &Input{Name: segs[0]}, nil
	}
	for _, s := range segs {
		if s == "" {
			return nil, &ParseError{Msg: "empty path segment", Fragment: frag}
		}
	}
	return &Field{Root: root, Path: segs}, nil
}

func (p *parser) parseCall() (Node, error) {
	name := p.next().text
	p.next() // '('
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	if IsAggregation(name) {
		return p.parseAggregate(name)
	}
	var args []Node
	if p.peek().kind != tRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tComma {
				break
			}
			p.next()
		}
	}
	if p.peek().kind != tRParen {
		return nil, p.errAt(p.peek(), "unbalanced parenthesis in call to "+name)
	}
	p.next()
	if len(args) == 0 {
		args = nil
	}
	return &Call{Func: name, Args: args}, nil
}

// parseAggregate reads `fn(Entity [where c])` or `fn(expr [where c])`.
func (p *parser) parseAggregate(name string) (Node, error) {
	var target string
	var args []Node
	t := p.peek()
	if t.kind == tIdent && !keywords[t.text] && p.toks[p.pos+1].kind != tDot && p.toks[p.pos+1].kind != tLParen {
		p.next()
		target = t.text
	} else if t.kind != tRParen {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	var where Node
	if p.acceptKeyword("where") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		where = w
	}
	if p.peek().kind != tRParen {
		return nil, p.errAt(p.peek(), "unbalanced parenthesis in call to "+name)
	}
	p.next()
	return newAggregate(name, target, args, where), nil
}

func (p *parser) parseCase() (Node, error) {
	p.next() // case
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	c := &Case{}
	for p.acceptKeyword("when") {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("then"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Branches = append(c.Branches, Branch{When: cond, Then: val})
	}
	if len(c.Branches) == 0 {
		return nil, p.errAt(p.peek(), "case needs at least one 'when' branch")
	}
	if p.acceptKeyword("else") {
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Else = val
	}
	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) parseIf() (Node, error) {
	p.next() // if
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	c := &Case{Branches: []Branch{{When: cond, Then: val}}}
	if p.acceptKeyword("else") {
		alt, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Else = alt
	}
	return c, nil
}
