package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent  tokenKind = iota // identifier or keyword
	tkNumber                  // integer or decimal
	tkString                  // 'single-quoted'
	tkDot                     // .
	tkLParen                  // (
	tkRParen                  // )
	tkComma                   // ,
	tkEq                      // =
	tkNe                      // !=
	tkLt                      // <
	tkGt                      // >
	tkLe                      // <=
	tkGe                      // >=
	tkPlus                    // +
	tkMinus                   // -
	tkStar                    // *
	tkSlash                   // /
	tkEOF                     // end-of-input
)

var tokenNames = map[tokenKind]string{
	tkIdent: "identifier", tkNumber: "number", tkString: "string",
	tkDot: "'.'", tkLParen: "'('", tkRParen: "')'", tkComma: "','",
	tkEq: "'='", tkNe: "'!='", tkLt: "'<'", tkGt: "'>'", tkLe: "'<='", tkGe: "'>='",
	tkPlus: "'+'", tkMinus: "'-'", tkStar: "'*'", tkSlash: "'/'", tkEOF: "end of expression",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func (t token) is(kind tokenKind, value string) bool {
	return t.kind == kind && t.value == value
}

var single = map[byte]tokenKind{
	'.': tkDot, '(': tkLParen, ')': tkRParen, ',': tkComma, '=': tkEq,
	'+': tkPlus, '-': tkMinus, '*': tkStar, '/': tkSlash,
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		if kind, ok := single[ch]; ok {
			// A dot followed by a digit starts a decimal such as .5
			if !(ch == '.' && i+1 < n && isDigit(input[i+1])) {
				tokens = append(tokens, token{kind, string(ch), start})
				i++
				continue
			}
		}

		switch {
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, &Error{Pos: start, Msg: "unexpected character '!'"}
			}
		case ch == '<' || ch == '>':
			kind, two := tkLt, tkLe
			if ch == '>' {
				kind, two = tkGt, tkGe
			}
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{two, input[i : i+2], start})
				i += 2
			} else {
				tokens = append(tokens, token{kind, string(ch), start})
				i++
			}
		case ch == '\'' || ch == '"':
			quote := ch
			i++
			var sb strings.Builder
			for i < n && input[i] != quote {
				if input[i] == '\\' && i+1 < n {
					i++
				}
				sb.WriteByte(input[i])
				i++
			}
			if i >= n {
				return nil, &Error{Pos: start, Msg: "unterminated string"}
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})
		case isDigit(ch) || ch == '.':
			j := i
			for j < n && isDigit(input[j]) {
				j++
			}
			if j < n && input[j] == '.' && j+1 < n && isDigit(input[j+1]) {
				j++
				for j < n && isDigit(input[j]) {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || isDigit(input[j])) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, &Error{Pos: start, Msg: fmt.Sprintf("unexpected character %q", string(ch))}
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
