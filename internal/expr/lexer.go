package expr

import (
	"strings"
	"unicode"
)

type tokKind int

const (
	tEOF tokKind = iota
	tNumber
	tString
	tIdent
	tOp
	tLParen
	tRParen
	tComma
	tDot
)

type token struct {
	kind tokKind
	text string
	pos  int
}

var twoCharOps = map[string]bool{"==": true, "!=": true, "<=": true, ">=": true}

const oneCharOps = "+-*/%<>="

// lex splits src into tokens. Unknown symbols fail with the offending
// fragment so the parse error can name it.
func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c):
			start := i
			for i < len(rs) && unicode.IsDigit(rs[i]) {
				i++
			}
			if i+1 < len(rs) && rs[i] == '.' && unicode.IsDigit(rs[i+1]) {
				i++
				for i < len(rs) && unicode.IsDigit(rs[i]) {
					i++
				}
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && unicode.IsDigit(rs[j]) {
					i = j
					for i < len(rs) && unicode.IsDigit(rs[i]) {
						i++
					}
				}
			}
			if i < len(rs) && isIdentRune(rs[i]) {
				return nil, &ParseError{Msg: "malformed number", Fragment: string(rs[start : i+1])}
			}
			toks = append(toks, token{tNumber, string(rs[start:i]), start})
		case c == '\'' || c == '"':
			start := i
			quote := c
			i++
			var b strings.Builder
			closed := false
			for i < len(rs) {
				if rs[i] == '\\' && i+1 < len(rs) {
					switch rs[i+1] {
					case 'n':
						b.WriteRune('\n')
					case 't':
						b.WriteRune('\t')
					default:
						b.WriteRune(rs[i+1])
					}
					i += 2
					continue
				}
				if rs[i] == quote {
					closed = true
					i++
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Msg: "unterminated string", Fragment: string(rs[start:])}
			}
			toks = append(toks, token{tString, b.String(), start})
		case isIdentStart(c):
			start := i
			for i < len(rs) && isIdentRune(rs[i]) {
				i++
			}
			toks = append(toks, token{tIdent, string(rs[start:i]), start})
		case c == '(':
			toks = append(toks, token{tLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tComma, ",", i})
			i++
		case c == '.':
			toks = append(toks, token{tDot, ".", i})
			i++
		default:
			if i+1 < len(rs) && twoCharOps[string(rs[i:i+2])] {
				toks = append(toks, token{tOp, string(rs[i : i+2]), i})
				i += 2
				continue
			}
			if strings.ContainsRune(oneCharOps, c) {
				if i+1 < len(rs) && strings.ContainsRune("=<>!&|", rs[i+1]) && !(c == '=' && rs[i+1] == '=') {
					return nil, &ParseError{Msg: "malformed operator", Fragment: string(rs[i : i+2])}
				}
				toks = append(toks, token{tOp, string(c), i})
				i++
				continue
			}
			end := i + 1
			for end < len(rs) && !unicode.IsSpace(rs[end]) && !isIdentRune(rs[end]) {
				end++
			}
			return nil, &ParseError{Msg: "malformed operator", Fragment: string(rs[i:end])}
		}
	}
	toks = append(toks, token{tEOF, "", len(rs)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
