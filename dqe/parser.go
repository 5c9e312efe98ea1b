package dqe

import (
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Parse compiles a DQE source string into an Expr, per the grammar:
//
//	expr  := unary | cast | primary tail*
//	unary := ('*' expr) | ('&' expr)
//	cast  := '(' type ')' '*'? hex
//	primary := IDENT | '(' expr ')'
//	tail  := '.' FIELD | '[' INT ']' | '[' INT? '..' INT? ']'
//
// A cast with a '*' before the address is a DataCast (the bytes at
// addr are read immediately as T); without it, a PtrCast (the
// synthesised value is itself pointer-typed, pointing at addr).
func Parse(src string) (Expr, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, rerrors.New(rerrors.UnsupportedType, "dqe: trailing input after expression")
	}
	return e, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(k tokenKind) error {
	if p.tok.kind != k {
		return rerrors.New(rerrors.UnsupportedType, "dqe: unexpected token")
	}
	return p.advance()
}

func (p *parser) parseExpr() (Expr, error) {
	switch p.tok.kind {
	case tokStar:
		if err := p.advance(); err != nil {
			return nil, err
		}
		base, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return Deref{Base: base}, nil
	case tokAmp:
		if err := p.advance(); err != nil {
			return nil, err
		}
		base, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return Address{Base: base}, nil
	case tokLParen:
		// Ambiguous with a parenthesised sub-expression; try the cast
		// production '(' type ')' hex first by peeking for an
		// immediately-following hex literal after the matching ')'.
		return p.parseParenOrCast()
	}
	return p.parsePrimaryWithTail()
}

func (p *parser) parseParenOrCast() (Expr, error) {
	save := *p.lex
	savedTok := p.tok

	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokIdent {
		typeName := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokRParen {
			if err := p.advance(); err != nil {
				return nil, err
			}
			dataCast := false
			if p.tok.kind == tokStar {
				dataCast = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			if p.tok.kind == tokHex {
				a, err := parseHex(p.tok.text)
				if err != nil {
					return nil, err
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
				if dataCast {
					return DataCast{TypeName: typeName, Addr: a}, nil
				}
				return PtrCast{TypeName: typeName, Addr: a}, nil
			}
		}
	}

	// Not a cast: rewind and parse as a parenthesised expression.
	*p.lex = save
	p.tok = savedTok
	if err := p.advance(); err != nil {
		return nil, err
	}
	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return p.parseTail(inner)
}

func (p *parser) parsePrimaryWithTail() (Expr, error) {
	if p.tok.kind != tokIdent {
		return nil, rerrors.New(rerrors.UnsupportedType, "dqe: expected identifier")
	}
	name := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	var base Expr
	if name == "*" {
		base = Variable{Any: true}
	} else {
		base = Variable{Name: name}
	}
	if name == "canonic" && p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return p.parseTail(Canonic{Base: inner})
	}
	return p.parseTail(base)
}

func (p *parser) parseTail(base Expr) (Expr, error) {
	for {
		switch p.tok.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent && p.tok.kind != tokInt {
				return nil, rerrors.New(rerrors.UnsupportedType, "dqe: expected field name after '.'")
			}
			name := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			base = Field{Base: base, Name: name}

		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			var lo *int64
			if p.tok.kind == tokInt {
				v, err := parseInt(p.tok.text)
				if err != nil {
					return nil, err
				}
				lo = &v
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			if p.tok.kind == tokDotDot {
				if err := p.advance(); err != nil {
					return nil, err
				}
				var hi *int64
				if p.tok.kind == tokInt {
					v, err := parseInt(p.tok.text)
					if err != nil {
						return nil, err
					}
					hi = &v
					if err := p.advance(); err != nil {
						return nil, err
					}
				}
				if err := p.expect(tokRBracket); err != nil {
					return nil, err
				}
				base = Slice{Base: base, Lo: lo, Hi: hi}
				continue
			}
			if lo == nil {
				return nil, rerrors.New(rerrors.UnsupportedType, "dqe: expected index or slice")
			}
			if err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
			base = Index{Base: base, I: *lo}

		default:
			return base, nil
		}
	}
}
