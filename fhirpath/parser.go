package fhirpath

import (
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// maxParseDepth caps expression nesting so that evaluation recursion stays
// within stack bounds.
const maxParseDepth = 256

type parser struct {
	src   string
	lex   *lexer
	tok   token
	depth int
}

func parse(src string) (exprNode, error) {
	p := &parser{src: src, lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ParseError{Position: p.tok.start, Expected: "end of input", Found: src[p.tok.start:]}
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(kind tokenKind, expected string) (token, error) {
	if p.tok.kind != kind {
		return token{}, &ParseError{Position: p.tok.start, Expected: expected, Found: p.tok.text}
	}
	tok := p.tok
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return tok, nil
}

func (p *parser) keyword(words ...string) (string, bool) {
	if p.tok.kind != tokIdent {
		return "", false
	}
	for _, w := range words {
		if p.tok.text == w {
			return w, true
		}
	}
	return "", false
}

func (p *parser) parseExpression() (exprNode, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxParseDepth {
		return nil, &ParseError{Position: p.tok.start, Expected: "expression nested at most 256 levels", Found: p.tok.text}
	}
	return p.parseImplies()
}

type binaryLevel struct {
	next     func() (exprNode, error)
	kinds    []tokenKind
	keywords []string
}

func (p *parser) parseBinary(level binaryLevel) (exprNode, error) {
	left, err := level.next()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		matched := false
		for _, k := range level.kinds {
			if p.tok.kind == k {
				op = p.tok.text
				matched = true
				break
			}
		}
		if !matched {
			if kw, ok := p.keyword(level.keywords...); ok {
				op = kw
				matched = true
			}
		}
		if !matched {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := level.next()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{
			sp:    span{left.pos().start, right.pos().end},
			op:    op,
			left:  left,
			right: right,
		}
	}
}

func (p *parser) parseImplies() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseOrXor, keywords: []string{"implies"}})
}

func (p *parser) parseOrXor() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseAnd, keywords: []string{"or", "xor"}})
}

func (p *parser) parseAnd() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseTypeOps, keywords: []string{"and"}})
}

func (p *parser) parseTypeOps() (exprNode, error) {
	left, err := p.parseMembership()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.keyword("is", "as")
		if !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		spec, end, err := p.parseTypeSpecifier()
		if err != nil {
			return nil, err
		}
		left = &typeExpr{
			sp:      span{left.pos().start, end},
			op:      op,
			operand: left,
			spec:    spec,
		}
	}
}

func (p *parser) parseMembership() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseEquality, keywords: []string{"in", "contains"}})
}

func (p *parser) parseEquality() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseComparison, kinds: []tokenKind{tokEq, tokNotEq, tokEquiv, tokNotEquiv}})
}

func (p *parser) parseComparison() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseUnion, kinds: []tokenKind{tokLess, tokLessEq, tokGreater, tokGreaterEq}})
}

func (p *parser) parseUnion() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseAdditive, kinds: []tokenKind{tokPipe}})
}

func (p *parser) parseAdditive() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseMultiplicative, kinds: []tokenKind{tokPlus, tokMinus, tokAmp}})
}

func (p *parser) parseMultiplicative() (exprNode, error) {
	return p.parseBinary(binaryLevel{next: p.parseUnary, kinds: []tokenKind{tokStar, tokSlash}, keywords: []string{"div", "mod"}})
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > maxParseDepth {
			return nil, &ParseError{Position: p.tok.start, Expected: "expression nested at most 256 levels", Found: p.tok.text}
		}
		op := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{
			sp:      span{op.start, operand.pos().end},
			op:      op.text,
			operand: operand,
		}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (exprNode, error) {
	node, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			name := p.tok
			if name.kind != tokIdent && name.kind != tokDelimitedIdent {
				return nil, &ParseError{Position: name.start, Expected: "member name", Found: name.text}
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokLParen {
				params, end, err := p.parseCallArgs(name.value)
				if err != nil {
					return nil, err
				}
				node = &callExpr{
					sp:     span{node.pos().start, end},
					target: node,
					name:   name.value,
					params: params,
				}
			} else {
				node = &memberExpr{
					sp:     span{node.pos().start, name.end},
					target: node,
					name:   name.value,
				}
			}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			close, err := p.expect(tokRBracket, "]")
			if err != nil {
				return nil, err
			}
			node = &indexExpr{
				sp:     span{node.pos().start, close.end},
				target: node,
				index:  index,
			}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseTerm() (exprNode, error) {
	tok := p.tok
	switch tok.kind {
	case tokInteger, tokDecimal:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.finishNumber(tok)
	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{sp: span{tok.start, tok.end}, value: String(tok.value)}, nil
	case tokDate:
		if err := p.advance(); err != nil {
			return nil, err
		}
		d, err := ParseDate(tok.value)
		if err != nil {
			return nil, &ParseError{Position: tok.start, Expected: "date literal", Found: tok.text}
		}
		return &literalExpr{sp: span{tok.start, tok.end}, value: d}, nil
	case tokDateTime:
		if err := p.advance(); err != nil {
			return nil, err
		}
		dt, err := ParseDateTime(tok.value)
		if err != nil {
			return nil, &ParseError{Position: tok.start, Expected: "dateTime literal", Found: tok.text}
		}
		return &literalExpr{sp: span{tok.start, tok.end}, value: dt}, nil
	case tokTime:
		if err := p.advance(); err != nil {
			return nil, err
		}
		t, err := ParseTime(tok.value)
		if err != nil {
			return nil, &ParseError{Position: tok.start, Expected: "time literal", Found: tok.text}
		}
		return &literalExpr{sp: span{tok.start, tok.end}, value: t}, nil
	case tokIdent, tokDelimitedIdent:
		if tok.kind == tokIdent && (tok.text == "true" || tok.text == "false") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalExpr{sp: span{tok.start, tok.end}, value: Boolean(tok.text == "true")}, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			params, end, err := p.parseCallArgs(tok.value)
			if err != nil {
				return nil, err
			}
			return &callExpr{sp: span{tok.start, end}, name: tok.value, params: params}, nil
		}
		return &identExpr{sp: span{tok.start, tok.end}, name: tok.value}, nil
	case tokSpecial:
		if err := p.advance(); err != nil {
			return nil, err
		}
		sp := span{tok.start, tok.end}
		switch tok.value {
		case "this":
			return &thisExpr{sp: sp}, nil
		case "index":
			return &indexVarExpr{sp: sp}, nil
		default:
			return &totalExpr{sp: sp}, nil
		}
	case tokExternal:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &externalExpr{sp: span{tok.start, tok.end}, name: tok.value}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return node, nil
	case tokLBrace:
		if err := p.advance(); err != nil {
			return nil, err
		}
		close, err := p.expect(tokRBrace, "}")
		if err != nil {
			return nil, err
		}
		return &literalExpr{sp: span{tok.start, close.end}}, nil
	default:
		return nil, &ParseError{Position: tok.start, Expected: "expression", Found: tok.text}
	}
}

// finishNumber builds an Integer, Decimal or Quantity literal from a numeric
// token, consuming a trailing unit if one follows.
func (p *parser) finishNumber(num token) (exprNode, error) {
	sp := span{num.start, num.end}

	var unit string
	hasUnit := false
	if p.tok.kind == tokString {
		unit = p.tok.value
		hasUnit = true
	} else if p.tok.kind == tokIdent {
		if u, ok := normalizeCalendarUnit(p.tok.text); ok {
			unit = u
			hasUnit = true
		}
	}
	if hasUnit {
		sp.end = p.tok.end
		if err := p.advance(); err != nil {
			return nil, err
		}
		value, _, err := apd.NewFromString(num.text)
		if err != nil {
			return nil, &ParseError{Position: num.start, Expected: "numeric literal", Found: num.text}
		}
		return &literalExpr{sp: sp, value: Quantity{Value: Decimal{Value: value}, Unit: String(unit)}}, nil
	}

	if num.kind == tokInteger {
		i, err := strconv.ParseInt(num.text, 10, 64)
		if err != nil {
			return nil, &ParseError{Position: num.start, Expected: "integer within 64 bits", Found: num.text}
		}
		return &literalExpr{sp: sp, value: Integer(i)}, nil
	}
	value, _, err := apd.NewFromString(num.text)
	if err != nil {
		return nil, &ParseError{Position: num.start, Expected: "decimal literal", Found: num.text}
	}
	return &literalExpr{sp: sp, value: Decimal{Value: value}}, nil
}

// parseTypeSpecifier parses a possibly qualified type name after is/as.
func (p *parser) parseTypeSpecifier() (TypeSpecifier, int, error) {
	var names []string
	end := p.tok.end
	for {
		if p.tok.kind != tokIdent && p.tok.kind != tokDelimitedIdent {
			return TypeSpecifier{}, 0, &ParseError{Position: p.tok.start, Expected: "type name", Found: p.tok.text}
		}
		names = append(names, p.tok.value)
		end = p.tok.end
		if err := p.advance(); err != nil {
			return TypeSpecifier{}, 0, err
		}
		if p.tok.kind != tokDot {
			break
		}
		if err := p.advance(); err != nil {
			return TypeSpecifier{}, 0, err
		}
	}
	spec := TypeSpecifier{Name: names[len(names)-1]}
	if len(names) > 1 {
		spec.Namespace = names[0]
		for _, n := range names[1 : len(names)-1] {
			spec.Namespace += "." + n
		}
	}
	return spec, end, nil
}

// parseCallArgs parses a parenthesized argument list. sort arguments accept a
// trailing asc/desc direction.
func (p *parser) parseCallArgs(fnName string) ([]Expression, int, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, 0, err
	}
	if p.tok.kind == tokRParen {
		end := p.tok.end
		if err := p.advance(); err != nil {
			return nil, 0, err
		}
		return nil, end, nil
	}
	var params []Expression
	for {
		node, err := p.parseExpression()
		if err != nil {
			return nil, 0, err
		}
		expr := Expression{tree: node, src: p.src}
		if fnName == "sort" {
			if dir, ok := p.keyword("asc", "desc"); ok {
				if dir == "desc" {
					expr.sortDirection = sortDirectionDesc
				} else {
					expr.sortDirection = sortDirectionAsc
				}
				if err := p.advance(); err != nil {
					return nil, 0, err
				}
			}
		}
		params = append(params, expr)
		if p.tok.kind != tokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, 0, err
		}
	}
	close, err := p.expect(tokRParen, ")")
	if err != nil {
		return nil, 0, err
	}
	return params, close.end, nil
}
