package queryplan

import (
	"fmt"
	"strconv"
)

// Parser parses plan text into a Plan.
type Parser struct {
	lexer   *Lexer
	current Token
	peeked  *Token
}

// NewParser creates a Parser over input.
func NewParser(input string) *Parser {
	return &Parser{lexer: NewLexer(input)}
}

// Parse parses a single SELECT statement into a Plan.
func Parse(input string) (*Plan, error) {
	return NewParser(input).Parse()
}

func (p *Parser) advance() error {
	if p.peeked != nil {
		p.current = *p.peeked
		p.peeked = nil
		return nil
	}
	tok, err := p.lexer.NextToken()
	if err != nil {
		return &ParseError{Offset: p.lexer.pos, Message: err.Error()}
	}
	p.current = tok
	return nil
}

func (p *Parser) expect(tt TokenType) error {
	if p.current.Type != tt {
		return &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("expected %s, got %s", tt, p.current.Type)}
	}
	return p.advance()
}

// Parse parses the statement this Parser was constructed with.
func (p *Parser) Parse() (*Plan, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.current.Type == TokenEOF {
		return nil, &ParseError{Offset: 0, Message: "empty plan"}
	}
	plan, err := p.parseSelectStatement()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("unexpected token %q after statement", p.current.Value)}
	}
	plan.raw = plan.String()
	return plan, nil
}

func (p *Parser) parseSelectStatement() (*Plan, error) {
	if err := p.expect(TokenSelect); err != nil {
		return nil, err
	}
	fields, related, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	if p.current.Type != TokenIdent {
		return nil, &ParseError{Offset: p.current.Pos, Message: "expected table name after FROM"}
	}
	table := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	plan := &Plan{Table: table, Fields: fields, Related: related}

	if p.current.Type == TokenWhere {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		plan.Where = expr
	}

	if p.current.Type == TokenOrder {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(TokenBy); err != nil {
			return nil, err
		}
		order, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		plan.Order = order
	}

	if p.current.Type == TokenLimit {
		n, err := p.parseLimitValue()
		if err != nil {
			return nil, err
		}
		plan.Limit = &n
	}

	return plan, nil
}

// parseLimitValue assumes current token is TokenLimit.
func (p *Parser) parseLimitValue() (int, error) {
	if err := p.advance(); err != nil {
		return 0, err
	}
	if p.current.Type != TokenNumber {
		return 0, &ParseError{Offset: p.current.Pos, Message: "expected number after LIMIT"}
	}
	n, convErr := strconv.Atoi(p.current.Value)
	if convErr != nil {
		return 0, &ParseError{Offset: p.current.Pos, Message: "invalid LIMIT value"}
	}
	if err := p.advance(); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Parser) parseSelectList() ([]string, *RelatedPlan, error) {
	if p.current.Type == TokenStar {
		if err := p.advance(); err != nil {
			return nil, nil, err
		}
		if p.current.Type != TokenComma {
			return nil, nil, nil
		}
		if err := p.advance(); err != nil {
			return nil, nil, err
		}
		related, err := p.parseRelatedItem()
		if err != nil {
			return nil, nil, err
		}
		return nil, related, nil
	}

	var fields []string
	var related *RelatedPlan
	for {
		switch p.current.Type {
		case TokenLParen:
			if related != nil {
				return nil, nil, &UnsupportedError{Reason: "only one related subselect is supported per view"}
			}
			r, err := p.parseRelatedItem()
			if err != nil {
				return nil, nil, err
			}
			related = r
		case TokenIdent:
			fields = append(fields, p.current.Value)
			if err := p.advance(); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("expected field name or subselect, got %s", p.current.Type)}
		}
		if p.current.Type != TokenComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, nil, err
		}
	}
	return fields, related, nil
}

// parseRelatedItem parses `(SELECT * FROM child WHERE parent_field =
// $parent.id [LIMIT n]) AS alias`.
func (p *Parser) parseRelatedItem() (*RelatedPlan, error) {
	if err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	if err := p.expect(TokenSelect); err != nil {
		return nil, err
	}
	if p.current.Type != TokenStar {
		return nil, &UnsupportedError{Reason: "related subselect must select *"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	if p.current.Type != TokenIdent {
		return nil, &ParseError{Offset: p.current.Pos, Message: "expected child table name"}
	}
	childTable := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type != TokenWhere {
		return nil, &UnsupportedError{Reason: "related subselect requires a WHERE parent_field = $parent.id clause"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	where, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	parentField, rest, ok := extractParentRef(where)
	if !ok {
		return nil, &UnsupportedError{Reason: "related subselect missing a parent_field = $parent.id clause"}
	}

	var limit *int
	if p.current.Type == TokenLimit {
		n, err := p.parseLimitValue()
		if err != nil {
			return nil, err
		}
		limit = &n
	}

	if err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	if err := p.expect(TokenAs); err != nil {
		return nil, err
	}
	if p.current.Type != TokenIdent {
		return nil, &ParseError{Offset: p.current.Pos, Message: "expected alias after AS"}
	}
	alias := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	return &RelatedPlan{Alias: alias, Table: childTable, ParentField: parentField, Where: rest, Limit: limit}, nil
}

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	if p.current.Type == TokenLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	if p.current.Type != TokenIdent {
		return nil, &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("expected field name, got %s", p.current.Type)}
	}
	field := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch p.current.Type {
	case TokenEquals:
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &EqualExpr{Field: field, Value: lit}, nil
	case TokenPrefixMatch:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.current.Type != TokenString && p.current.Type != TokenIdent {
			return nil, &ParseError{Offset: p.current.Pos, Message: "expected prefix after '^='"}
		}
		prefix := p.current.Value
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &PrefixExpr{Field: field, Prefix: prefix}, nil
	case TokenIs:
		if err := p.advance(); err != nil {
			return nil, err
		}
		negate := false
		if p.current.Type == TokenNot {
			negate = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(TokenNull); err != nil {
			return nil, err
		}
		return &IsNullExpr{Field: field, Negate: negate}, nil
	default:
		return nil, &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("expected comparison operator, got %s", p.current.Type)}
	}
}

func (p *Parser) parseValue() (Literal, error) {
	switch p.current.Type {
	case TokenString:
		v := Literal{Kind: LitString, Raw: p.current.Value}
		if err := p.advance(); err != nil {
			return Literal{}, err
		}
		return v, nil
	case TokenNumber:
		v := Literal{Kind: LitNumber, Raw: p.current.Value}
		if err := p.advance(); err != nil {
			return Literal{}, err
		}
		return v, nil
	case TokenIdent:
		v := Literal{Kind: LitIdent, Raw: p.current.Value}
		if err := p.advance(); err != nil {
			return Literal{}, err
		}
		return v, nil
	case TokenDollar:
		return p.parseParentRef()
	default:
		return Literal{}, &ParseError{Offset: p.current.Pos, Message: fmt.Sprintf("expected value, got %s", p.current.Type)}
	}
}

func (p *Parser) parseParentRef() (Literal, error) {
	if err := p.advance(); err != nil { // consume '$'
		return Literal{}, err
	}
	if p.current.Type != TokenIdent || p.current.Value != "parent" {
		return Literal{}, &ParseError{Offset: p.current.Pos, Message: "expected 'parent' after '$'"}
	}
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	if err := p.expect(TokenDot); err != nil {
		return Literal{}, err
	}
	if p.current.Type != TokenIdent || p.current.Value != "id" {
		return Literal{}, &ParseError{Offset: p.current.Pos, Message: "expected 'id' after '$parent.'"}
	}
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	return Literal{Kind: LitParentRef, Raw: "parent.id"}, nil
}

func (p *Parser) parseOrderList() ([]OrderKey, error) {
	var keys []OrderKey
	for {
		if p.current.Type != TokenIdent {
			return nil, &ParseError{Offset: p.current.Pos, Message: "expected field name in ORDER BY"}
		}
		field := p.current.Value
		if err := p.advance(); err != nil {
			return nil, err
		}
		desc := false
		switch p.current.Type {
		case TokenAsc:
			if err := p.advance(); err != nil {
				return nil, err
			}
		case TokenDesc:
			desc = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		keys = append(keys, OrderKey{Field: field, Desc: desc})
		if p.current.Type != TokenComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// extractParentRef finds the `field = $parent.id` conjunct within a WHERE
// expression built purely from top-level ANDs, returning the remaining
// conjuncts (nil if none). Only top-level ANDs are searched: a parent-ref
// hidden behind an OR is not a valid related-subselect join condition.
func extractParentRef(e Expr) (field string, rest Expr, ok bool) {
	switch n := e.(type) {
	case *EqualExpr:
		if n.Value.Kind == LitParentRef {
			return n.Field, nil, true
		}
		return "", nil, false
	case *AndExpr:
		if eq, isEq := n.Left.(*EqualExpr); isEq && eq.Value.Kind == LitParentRef {
			return eq.Field, n.Right, true
		}
		if eq, isEq := n.Right.(*EqualExpr); isEq && eq.Value.Kind == LitParentRef {
			return eq.Field, n.Left, true
		}
		if f, r, ok := extractParentRef(n.Left); ok {
			if r == nil {
				return f, n.Right, true
			}
			return f, &AndExpr{Left: r, Right: n.Right}, true
		}
		if f, r, ok := extractParentRef(n.Right); ok {
			if r == nil {
				return f, n.Left, true
			}
			return f, &AndExpr{Left: n.Left, Right: r}, true
		}
		return "", nil, false
	default:
		return "", nil, false
	}
}
