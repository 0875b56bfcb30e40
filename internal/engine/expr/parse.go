package expr

import (
	"fmt"
	"strconv"
)

type nodeKind int

const (
	ndNumber  nodeKind = iota // numeric literal
	ndString                  // string literal
	ndBool                    // true / false
	ndList                    // ('a', 'b')
	ndRef                     // field reference
	ndCall                    // fn(args...)
	ndCompare                 // a op b
	ndArith                   // a + b, a - b, a * b, a / b
	ndAnd                     // a and b
	ndOr                      // a or b
	ndNot                     // not a
	ndNegate                  // -a
)

type astNode struct {
	kind     nodeKind
	op       string
	name     string
	num      float64
	children []*astNode
	pos      int
}

type parser struct {
	tokens []token
	pos    int
}

func parse(src string) (*astNode, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseExpression(precOr)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, &Error{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.value)}
	}
	return node, nil
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, &Error{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %q", kind, t.value)}
	}
	return t, nil
}

// Operator precedence, lowest first. Comparisons do not chain.
const (
	precOr = iota + 1
	precAnd
	precNot
	precCompare
	precAdd
	precMul
)

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parseUnary(minPrec)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, op := infixInfo(tok)
		if prec < 0 || prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &astNode{kind: kind, op: op, children: []*astNode{left, right}, pos: tok.pos}
		if kind == ndCompare {
			if next, _, _ := infixInfo(p.peek()); next == precCompare {
				return nil, &Error{Pos: p.peek().pos, Msg: "comparisons cannot be chained"}
			}
		}
	}
	return left, nil
}

func infixInfo(tok token) (int, nodeKind, string) {
	switch {
	case tok.is(tkIdent, "or"):
		return precOr, ndOr, "or"
	case tok.is(tkIdent, "and"):
		return precAnd, ndAnd, "and"
	case tok.is(tkIdent, "contains"), tok.is(tkIdent, "in"):
		return precCompare, ndCompare, tok.value
	case tok.kind >= tkEq && tok.kind <= tkGe:
		return precCompare, ndCompare, tok.value
	case tok.kind == tkPlus || tok.kind == tkMinus:
		return precAdd, ndArith, tok.value
	case tok.kind == tkStar || tok.kind == tkSlash:
		return precMul, ndArith, tok.value
	}
	return -1, 0, ""
}

func (p *parser) parseUnary(minPrec int) (*astNode, error) {
	tok := p.peek()
	switch {
	case tok.is(tkIdent, "not"):
		if minPrec > precNot {
			return nil, &Error{Pos: tok.pos, Msg: "'not' needs parentheses here"}
		}
		p.advance()
		operand, err := p.parseExpression(precNot)
		if err != nil {
			return nil, err
		}
		return &astNode{kind: ndNot, children: []*astNode{operand}, pos: tok.pos}, nil
	case tok.kind == tkMinus:
		p.advance()
		operand, err := p.parseUnary(precMul)
		if err != nil {
			return nil, err
		}
		if operand.kind == ndNumber {
			operand.num = -operand.num
			operand.pos = tok.pos
			return operand, nil
		}
		return &astNode{kind: ndNegate, children: []*astNode{operand}, pos: tok.pos}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.advance()

	switch tok.kind {
	case tkNumber:
		n, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, &Error{Pos: tok.pos, Msg: fmt.Sprintf("invalid number %q", tok.value)}
		}
		return &astNode{kind: ndNumber, num: n, pos: tok.pos}, nil

	case tkString:
		return &astNode{kind: ndString, name: tok.value, pos: tok.pos}, nil

	case tkLParen:
		first, err := p.parseExpression(precOr)
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tkComma {
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return first, nil
		}
		list := &astNode{kind: ndList, children: []*astNode{first}, pos: tok.pos}
		for p.peek().kind == tkComma {
			p.advance()
			item, err := p.parseExpression(precOr)
			if err != nil {
				return nil, err
			}
			list.children = append(list.children, item)
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return list, nil

	case tkIdent:
		switch tok.value {
		case "true", "false":
			return &astNode{kind: ndBool, name: tok.value, pos: tok.pos}, nil
		case "and", "or", "not", "in", "contains":
			return nil, &Error{Pos: tok.pos, Msg: fmt.Sprintf("unexpected keyword %q", tok.value)}
		}
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return &astNode{kind: ndCall, name: tok.value, children: args, pos: tok.pos}, nil
		}
		name := tok.value
		if p.peek().kind == tkDot {
			p.advance()
			field, err := p.expect(tkIdent)
			if err != nil {
				return nil, err
			}
			name += "." + field.value
		}
		return &astNode{kind: ndRef, name: name, pos: tok.pos}, nil

	case tkEOF:
		return nil, &Error{Pos: tok.pos, Msg: "unexpected end of expression"}
	}
	return nil, &Error{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.value)}
}

// parseArgList parses the arguments after an opening parenthesis, including
// the closing one.
func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(precOr)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(tkRParen); err != nil {
		return nil, err
	}
	return args, nil
}
