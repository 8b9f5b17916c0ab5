package launch

import (
	"errors"
	"strings"
	"unicode"
)

// ErrUnclosedQuote is returned by SplitArgs for an unterminated quote.
var ErrUnclosedQuote = errors.New("unclosed quote in argument string")

// ErrTrailingEscape is returned by SplitArgs for a lone trailing backslash.
var ErrTrailingEscape = errors.New("trailing escape in argument string")

// SplitArgs splits s into words the way a POSIX shell would: whitespace
// separates words, single quotes are literal, double quotes allow \" \\
// \$ and \` escapes, and a backslash outside quotes escapes any character.
func SplitArgs(s string) ([]string, error) {
	var (
		words  []string
		word   strings.Builder
		quote  rune
		quoted bool
	)
	flush := func() {
		if word.Len() > 0 || quoted {
			words = append(words, word.String())
		}
		word.Reset()
		quoted = false
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\\' && quote != '\'':
			if i+1 >= len(runes) {
				return nil, ErrTrailingEscape
			}
			i++
			next := runes[i]
			if quote == '"' && !strings.ContainsRune("\"\\$`", next) {
				word.WriteRune('\\')
			}
			word.WriteRune(next)
		case quote != 0 && ch == quote:
			quote = 0
			quoted = true
		case quote == 0 && (ch == '\'' || ch == '"'):
			quote = ch
		case quote == 0 && unicode.IsSpace(ch):
			flush()
		default:
			word.WriteRune(ch)
		}
	}
	if quote != 0 {
		return nil, ErrUnclosedQuote
	}
	flush()
	return words, nil
}

// JoinArgs renders args as one shell-quoted string, the inverse of
// SplitArgs.
func JoinArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	if !strings.ContainsAny(a, " \t\n'\"\\$`;&|<>*?()[]{}#~") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}
