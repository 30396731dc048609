package pattern

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// translateGlob converts glob syntax into an RE2 expression:
//
//	?        exactly one character
//	*        any run of characters, newlines included, shortest first
//	[abc]    one character from the class; ranges like [a-z] allowed
//	[!abc]   one character not in the class
//	\c       the character c, literally
//
// Everything else matches itself. A character is one UTF-8 encoded rune;
// a byte that is not valid UTF-8 counts as one character on its own.
func translateGlob(src string) (string, error) {
	toks, err := globTokens(src)
	if err != nil {
		return "", err
	}
	return "(?s)" + strings.Join(toks, ""), nil
}

// translateGlobPrefix returns an expression that matches, at the end of
// the input, any prefix of a string the glob matches. Its leftmost match
// is the earliest offset where more input could still complete the glob.
func translateGlobPrefix(src string) (string, error) {
	toks, err := globTokens(src)
	if err != nil {
		return "", err
	}
	var expr string
	for i := len(toks) - 1; i >= 0; i-- {
		if expr == "" {
			expr = toks[i]
			continue
		}
		expr = toks[i] + "(?:" + expr + ")?"
	}
	return `(?s)(?:` + expr + `)\z`, nil
}

// globTokens translates src into one RE2 fragment per glob element.
func globTokens(src string) ([]string, error) {
	var toks []string
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '*':
			toks = append(toks, ".*?")
		case '?':
			toks = append(toks, ".")
		case '\\':
			if i+1 == len(src) {
				return nil, errors.New("trailing backslash")
			}
			_, size := utf8.DecodeRuneInString(src[i+1:])
			toks = append(toks, regexp.QuoteMeta(src[i+1:i+1+size]))
			i += size
		case '[':
			end, class, err := globClass(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, class)
			i = end
		default:
			_, size := utf8.DecodeRuneInString(src[i:])
			toks = append(toks, regexp.QuoteMeta(src[i:i+size]))
			i += size - 1
		}
	}
	return toks, nil
}

// globClass translates the bracket expression starting at src[start] and
// returns the index of its closing bracket.
func globClass(src string, start int) (int, string, error) {
	var b strings.Builder
	b.WriteByte('[')
	i := start + 1
	if i < len(src) && src[i] == '!' {
		b.WriteByte('^')
		i++
	}
	// A leading ']' is a member, not the terminator.
	first := i
	for ; i < len(src); i++ {
		c := src[i]
		switch {
		case c == ']' && i > first:
			b.WriteByte(']')
			return i, b.String(), nil
		case c == '\\':
			if i+1 == len(src) {
				return 0, "", errors.New("trailing backslash")
			}
			i++
			writeClassByte(&b, src[i])
		case c == '-' && i > first && i+1 < len(src) && src[i+1] != ']':
			b.WriteByte('-')
		default:
			writeClassByte(&b, c)
		}
	}
	return 0, "", errors.New("unterminated character class")
}

// writeClassByte writes c as a literal class member. ASCII punctuation is
// escaped; letters are not, since RE2 gives \d and friends a meaning.
func writeClassByte(b *strings.Builder, c byte) {
	if c < 0x80 && !isAlnum(c) {
		b.WriteByte('\\')
	}
	b.WriteByte(c)
}

func isAlnum(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}
