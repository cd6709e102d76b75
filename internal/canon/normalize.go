package canon

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var hyphenDigitPattern = regexp.MustCompile(`([\p{L}\p{N}])\s*-\s*(\p{N})`)

// NormalizeBasic folds a raw keyword or title into the comparison form used by
// every matcher in this module: NFKC, lower case, acronym dots removed,
// punctuation other than '-', '/' and decimal points replaced by spaces,
// whitespace collapsed, and "f - 16" tightened to "f-16".
func NormalizeBasic(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	folded := strings.ToLower(norm.NFKC.String(text))

	fields := strings.Fields(folded)
	for i, field := range fields {
		fields[i] = stripAcronymDots(field)
	}
	folded = strings.Join(fields, " ")

	runes := []rune(folded)
	var builder strings.Builder
	builder.Grow(len(folded))
	for i, r := range runes {
		switch {
		case r == '-' || r == '/':
			builder.WriteRune(r)
		case r == '.' && i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]):
			// "3.5" stays one numeric token.
			builder.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			builder.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r):
			builder.WriteByte(' ')
		default:
			builder.WriteRune(r)
		}
	}

	collapsed := strings.Join(strings.Fields(builder.String()), " ")
	return hyphenDigitPattern.ReplaceAllString(collapsed, "${1}-${2}")
}

// possessiveSuffixes are dropped after an acronym: "u.s.'s" is "us".
var possessiveSuffixes = []string{"'s", "’s"}

// stripAcronymDots turns "u.s." or "u.s" into "us". Surrounding punctuation
// is kept, so "(u.s.)," becomes "(us),". Fields whose core is not a dotted
// run of single letters are returned unchanged.
func stripAcronymDots(field string) string {
	if !strings.Contains(field, ".") {
		return field
	}

	start := strings.IndexFunc(field, isAcronymRune)
	if start < 0 {
		return field
	}
	end := strings.LastIndexFunc(field, isAcronymRune)
	_, size := utf8.DecodeRuneInString(field[end:])
	prefix, core, suffix := field[:start], field[start:end+size], field[end+size:]
	for _, possessive := range possessiveSuffixes {
		if strings.HasSuffix(core, possessive) {
			core = strings.TrimSuffix(core, possessive)
			break
		}
	}

	letters, ok := acronymLetters(core)
	if !ok {
		return field
	}
	return prefix + letters + suffix
}

func isAcronymRune(r rune) bool {
	return r == '.' || unicode.IsLetter(r)
}

func acronymLetters(core string) (string, bool) {
	letters := make([]rune, 0, len(core))
	expectLetter := true
	for _, r := range strings.TrimSuffix(core, ".") {
		if expectLetter {
			if !unicode.IsLetter(r) {
				return "", false
			}
			letters = append(letters, r)
			expectLetter = false
			continue
		}
		if r != '.' {
			return "", false
		}
		expectLetter = true
	}
	if expectLetter || len(letters) < 2 {
		return "", false
	}
	return string(letters), true
}
