// Package lexer tokenizes the small, fixed keyword subset of CQL this proxy
// needs to recognize: SELECT/FROM/USE/AS/COUNT/SYSTEM/LOCAL/PEERS/PEERS_V2
// plus identifiers and punctuation. It reproduces the token/keyword
// semantics of original_source/src/lex.h (case-insensitive keywords, ASCII
// identifier charset, mark/rewind, TOO_BIG/INVALID/EOF promotion) as a
// hand-written scanner rather than a port of that file's Ragel-generated
// DFA tables.
package lexer

import "strings"

// Token identifies the kind of a lexed token.
type Token int

const (
	EOF Token = iota
	INVALID
	TOOBIG
	SELECT
	FROM
	USE
	AS
	COUNT
	SYSTEM
	LOCAL
	PEERS
	PEERSV2
	STAR
	DOT
	COMMA
	LPAREN
	RPAREN
	ID
)

// maxIdentLen mirrors lex.h's 127-byte value slot; identifiers longer than
// this lex as TOOBIG.
const maxIdentLen = 127

var keywords = map[string]Token{
	"select":   SELECT,
	"from":     FROM,
	"use":      USE,
	"as":       AS,
	"count":    COUNT,
	"system":   SYSTEM,
	"local":    LOCAL,
	"peers":    PEERS,
	"peers_v2": PEERSV2,
}

// Lexer scans query text into a stream of Tokens. It is not safe for
// concurrent use; the parser drives one Lexer per statement.
type Lexer struct {
	src  string
	pos  int
	mark int
	// Val holds the text of the most recently returned ID token (or the
	// raw text of an overlong identifier, truncated to maxIdentLen, for a
	// TOOBIG token).
	Val string
}

// New constructs a Lexer over the given query text.
func New(src string) *Lexer {
	return &Lexer{src: src}
}

// Mark records the current scan position for a later Rewind.
func (l *Lexer) Mark() {
	l.mark = l.pos
}

// Rewind resets the scan position to the last Mark.
func (l *Lexer) Rewind() {
	l.pos = l.mark
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Next returns the next token. An INVALID token is returned for any
// character that cannot start or continue a token; INVALID at end-of-buffer
// is promoted to EOF, matching lex.h's documented behavior.
func (l *Lexer) Next() Token {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return EOF
	}

	c := l.src[l.pos]
	switch c {
	case '*':
		l.pos++
		return STAR
	case '.':
		l.pos++
		return DOT
	case ',':
		l.pos++
		return COMMA
	case '(':
		l.pos++
		return LPAREN
	case ')':
		l.pos++
		return RPAREN
	}

	if isIdentStart(c) {
		start := l.pos
		l.pos++
		for l.pos < len(l.src) && isIdentCont(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		if len(text) > maxIdentLen {
			l.Val = text[:maxIdentLen]
			return TOOBIG
		}
		if tok, ok := keywords[strings.ToLower(text)]; ok {
			l.Val = text
			return tok
		}
		l.Val = text
		return ID
	}

	// Unrecognized character: INVALID, unless we're exactly at EOF already
	// handled above.
	l.pos++
	return INVALID
}
