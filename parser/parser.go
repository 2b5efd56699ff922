// Package parser recognizes the tiny slice of CQL this proxy needs to
// classify: SELECT against system.{local,peers,peers_v2} (with *, COUNT(*),
// and id/id-AS-alias select lists) and USE <keyspace>. Everything else is a
// parse failure, which callers treat as "forward the raw frame unchanged" —
// this parser never rejects a query outright.
//
// Grounded on original_source/src/parse.h's parse_select/parse_use/parse
// control flow; the select-list grammar (parse.h's retrieved copy only
// stubs it with a TODO) is reconstructed from original_source/src/proxy.c's
// use of stmt->select.exprs and STMT_EXPR_STAR/ALIAS/COUNT.
package parser

import "github.com/mevdschee/cqlproxy/lexer"

// TableType names which system table a Select statement targets.
type TableType int

const (
	TableNone TableType = iota
	TableLocal
	TablePeers
	TablePeersV2
)

// ExprKind identifies the shape of one select-list item.
type ExprKind int

const (
	ExprStar ExprKind = iota
	ExprCount
	ExprID
	ExprAlias
)

// Expr is one item of a select list.
type Expr struct {
	Kind  ExprKind
	Name  string // for ExprID/ExprAlias
	Alias string // for ExprAlias
}

// maxExprs mirrors the distilled spec's "up to 20 items are retained; excess
// are parsed but ignored."
const maxExprs = 20

// StatementType distinguishes the two recognized statement shapes.
type StatementType int

const (
	StmtNone StatementType = iota
	StmtSelect
	StmtUse
)

// Statement is the parser's tagged-union result.
type Statement struct {
	Type StatementType

	// Select fields.
	Table   TableType
	IsTable bool
	Exprs   []Expr

	// Use fields.
	Keyspace string
}

// Parse attempts to classify query as a Select or Use statement. ok is
// false for anything else, including syntactically valid CQL this proxy
// doesn't need to recognize (e.g. INSERT) and ambiguous/malformed input.
func Parse(query string) (stmt Statement, ok bool) {
	l := lexer.New(query)
	switch l.Next() {
	case lexer.SELECT:
		return parseSelect(l)
	case lexer.USE:
		return parseUse(l)
	default:
		return Statement{}, false
	}
}

// parseSelect implements distilled-spec §4.4 step by step: mark, scan to
// FROM, require system.<table>, then rewind and walk the select list.
func parseSelect(l *lexer.Lexer) (Statement, bool) {
	l.Mark()

	tok := l.Next()
	for tok != lexer.FROM && tok != lexer.EOF {
		tok = l.Next()
	}
	if tok != lexer.FROM {
		return Statement{}, false
	}

	if l.Next() != lexer.SYSTEM {
		return Statement{}, false
	}
	if l.Next() != lexer.DOT {
		return Statement{}, false
	}

	var table TableType
	switch l.Next() {
	case lexer.LOCAL:
		table = TableLocal
	case lexer.PEERS:
		table = TablePeers
	case lexer.PEERSV2:
		table = TablePeersV2
	default:
		return Statement{}, false
	}

	l.Rewind()
	exprs, ok := parseSelectList(l)
	if !ok {
		return Statement{}, false
	}

	return Statement{
		Type:    StmtSelect,
		Table:   table,
		IsTable: true,
		Exprs:   exprs,
	}, true
}

// parseSelectList walks comma-separated select-list items until it reaches
// FROM. Each item is STAR, COUNT LPAREN (STAR|ID) RPAREN, or ID (AS ID)?.
// Any item that doesn't match one of those three shapes is a parse failure
// for the whole statement, same as any other ambiguity.
func parseSelectList(l *lexer.Lexer) ([]Expr, bool) {
	var exprs []Expr
	for {
		tok := l.Next()
		if tok == lexer.FROM {
			return exprs, true
		}

		var e Expr
		switch tok {
		case lexer.STAR:
			e = Expr{Kind: ExprStar}
		case lexer.COUNT:
			if l.Next() != lexer.LPAREN {
				return exprs, false
			}
			inner := l.Next()
			if inner != lexer.STAR && inner != lexer.ID {
				return exprs, false
			}
			if l.Next() != lexer.RPAREN {
				return exprs, false
			}
			e = Expr{Kind: ExprCount}
		case lexer.ID:
			name := l.Val
			l.Mark()
			if l.Next() == lexer.AS {
				if l.Next() != lexer.ID {
					return exprs, false
				}
				e = Expr{Kind: ExprAlias, Name: name, Alias: l.Val}
			} else {
				l.Rewind()
				e = Expr{Kind: ExprID, Name: name}
			}
		default:
			return exprs, false
		}
		if len(exprs) < maxExprs {
			exprs = append(exprs, e)
		}

		sep := l.Next()
		switch sep {
		case lexer.FROM:
			return exprs, true
		case lexer.COMMA:
			// continue to next item
		default:
			return exprs, false
		}
	}
}

// maxKeyspaceLen mirrors the distilled spec's "name (<=63 bytes)".
const maxKeyspaceLen = 63

func parseUse(l *lexer.Lexer) (Statement, bool) {
	tok := l.Next()
	if tok != lexer.SYSTEM && tok != lexer.ID {
		return Statement{}, false
	}
	ks := l.Val
	if tok == lexer.SYSTEM {
		ks = "system"
	}
	if len(ks) > maxKeyspaceLen {
		ks = ks[:maxKeyspaceLen]
	}
	return Statement{Type: StmtUse, Keyspace: ks}, true
}
