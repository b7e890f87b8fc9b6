// Package imports finds the module specifiers a JavaScript file depends on.
package imports

import (
	"bytes"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// keywords after which a "/" starts a regular expression rather than a division
var regexpPrefixKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// keywords that end an import/export clause without a "from"
var clauseBreakers = map[string]bool{
	"function": true, "class": true, "const": true, "let": true, "var": true,
	"default": true, "async": true, "interface": true, "type": true, "enum": true,
}

type scanner struct {
	specs []string
	seen  map[string]bool

	prev      []byte // last significant token text
	prevType  js.TokenType
	prevPrev  []byte
	clause    bool // inside import/export, waiting for "from"
	callee    int  // 0 none, 1 saw require/import, 2 saw "(", 3 saw the string
	pending   string
	afterFrom bool
}

// Scan returns the specifiers imported by code in order of first appearance.
// It recognises require("x"), import("x"), import "x" and import/export ... from "x".
// A lexing error stops the scan and returns what was found so far.
func Scan(code []byte) []string {
	s := &scanner{seen: map[string]bool{}}
	l := js.NewLexer(parse.NewInputBytes(code))

	for {
		tt, data := l.Next()

		switch tt {
		case js.ErrorToken:
			return s.specs
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
			continue
		case js.DivToken, js.DivEqToken:
			if !s.endsExpression() {
				tt, data = l.RegExp()
				if tt == js.ErrorToken {
					return s.specs
				}
			}
		}

		s.token(tt, data)
	}
}

func (s *scanner) token(tt js.TokenType, data []byte) {
	text := string(data)

	if tt == js.StringToken {
		switch {
		case s.callee == 2:
			// only a lone literal counts, "./x/" + y is dynamic
			s.pending = unquote(data)
		case s.afterFrom:
			s.add(unquote(data))
			s.clause = false
		case s.clause && s.isImportKeyword(s.prev):
			// import "side-effect"
			s.add(unquote(data))
			s.clause = false
		}
	}

	s.afterFrom = false

	// call state machine: require ( "x" ) and import ( "x" )
	switch {
	case s.callee == 1 && text == "(":
		s.callee = 2
	case s.callee == 2 && tt == js.StringToken:
		s.callee = 3
	case s.callee == 3:
		if text == ")" {
			s.add(s.pending)
		}
		s.pending = ""
		s.callee = 0
	case s.callee == 2:
		s.callee = 0
	case (text == "require" || text == "import") && tt != js.StringToken && !s.prevIsDot():
		if text == "import" {
			s.clause = true
		}
		s.callee = 1
	default:
		s.callee = 0
	}

	switch {
	case tt == js.StringToken:
	case text == "export" && !s.prevIsDot():
		s.clause = true
	case s.clause && text == "from":
		s.afterFrom = true
	case s.clause && (text == "(" || text == ";" || text == "=" || text == "." || clauseBreakers[text]):
		s.clause = false
	}

	s.prevPrev = s.prev
	s.prev = data
	s.prevType = tt
}

func (s *scanner) add(spec string) {
	if spec == "" || s.seen[spec] {
		return
	}
	s.seen[spec] = true
	s.specs = append(s.specs, spec)
}

func (s *scanner) isImportKeyword(b []byte) bool {
	return string(b) == "import" && string(s.prevPrev) != "."
}

func (s *scanner) prevIsDot() bool {
	return string(s.prev) == "." || string(s.prev) == "?."
}

// endsExpression reports whether the previous token can end an expression, in
// which case a following "/" is a division.
func (s *scanner) endsExpression() bool {
	if s.prev == nil {
		return false
	}

	switch s.prevType {
	case js.StringToken, js.TemplateToken, js.TemplateEndToken, js.RegExpToken:
		return true
	}

	text := string(s.prev)
	switch text {
	case ")", "]", "}", "++", "--":
		return true
	}

	c := s.prev[0]
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '$' || c == '#' || c >= 0x80 || (c|0x20 >= 'a' && c|0x20 <= 'z'):
		return !regexpPrefixKeywords[text]
	}
	return false
}

// unquote strips the quotes of a JS string literal and decodes simple escapes
func unquote(lit []byte) string {
	if len(lit) < 2 {
		return ""
	}
	body := lit[1 : len(lit)-1]
	if bytes.IndexByte(body, '\\') < 0 {
		return string(body)
	}

	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 == len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '\n':
			// line continuation
		default:
			b.WriteByte(body[i])
		}
	}
	return b.String()
}
