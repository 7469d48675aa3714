package match

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// honorifics lists title tokens dropped from names before comparison.
var honorifics = map[string]bool{
	"dr":   true,
	"mr":   true,
	"mrs":  true,
	"ms":   true,
	"prof": true,
	"phd":  true,
	"md":   true,
	"jr":   true,
	"sr":   true,
	"ii":   true,
	"iii":  true,
}

// nicknames maps common short forms to the full given name so that
// "Mike Torres" and "Michael Torres" compare as the same person.
var nicknames = map[string]string{
	"mike":   "michael",
	"mick":   "michael",
	"bill":   "william",
	"will":   "william",
	"bob":    "robert",
	"rob":    "robert",
	"bobby":  "robert",
	"dick":   "richard",
	"rick":   "richard",
	"rich":   "richard",
	"jim":    "james",
	"jimmy":  "james",
	"tom":    "thomas",
	"tommy":  "thomas",
	"dave":   "david",
	"dan":    "daniel",
	"danny":  "daniel",
	"joe":    "joseph",
	"joey":   "joseph",
	"steve":  "steven",
	"chris":  "christopher",
	"matt":   "matthew",
	"tony":   "anthony",
	"andy":   "andrew",
	"drew":   "andrew",
	"ed":     "edward",
	"eddie":  "edward",
	"ted":    "edward",
	"ken":    "kenneth",
	"greg":   "gregory",
	"jeff":   "jeffrey",
	"nick":   "nicholas",
	"alex":   "alexander",
	"sam":    "samuel",
	"ben":    "benjamin",
	"jen":    "jennifer",
	"jenny":  "jennifer",
	"liz":    "elizabeth",
	"beth":   "elizabeth",
	"kate":   "katherine",
	"katie":  "katherine",
	"kathy":  "katherine",
	"sue":    "susan",
	"peggy":  "margaret",
	"meg":    "margaret",
	"pat":    "patricia",
	"trish":  "patricia",
	"becky":  "rebecca",
	"debbie": "deborah",
	"deb":    "deborah",
}

var (
	punctRe      = regexp.MustCompile(`[^\w\s]`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
	// \b(...)\b equivalent for employer legal suffixes.
	employerSuffixRe = regexp.MustCompile(`\b(inc|llc|ltd|corp|corporation|company|co|lp|llp|plc|gmbh)\b`)

	deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// stripDiacritics folds accented characters to their ASCII base so that
// "José" and "Jose" normalize identically.
func stripDiacritics(s string) string {
	out, _, err := transform.String(deaccent, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName standardizes a person name for matching: lowercase, strip
// diacritics and punctuation, drop honorific tokens, expand common
// nicknames, collapse whitespace.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	name = stripDiacritics(name)
	name = punctRe.ReplaceAllString(name, "")

	tokens := strings.Fields(name)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if honorifics[tok] {
			continue
		}
		if full, ok := nicknames[tok]; ok {
			tok = full
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// NormalizeEmployer standardizes an employer name for matching: lowercase,
// strip diacritics and punctuation, remove legal suffixes, collapse
// whitespace.
func NormalizeEmployer(employer string) string {
	employer = strings.ToLower(strings.TrimSpace(employer))
	if employer == "" {
		return ""
	}
	employer = stripDiacritics(employer)
	employer = punctRe.ReplaceAllString(employer, "")
	employer = employerSuffixRe.ReplaceAllString(employer, "")
	employer = multiSpaceRe.ReplaceAllString(employer, " ")
	return strings.TrimSpace(employer)
}

// Levenshtein returns the edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, c1 := range ra {
		curr[0] = i + 1
		for j, c2 := range rb {
			cost := 0
			if c1 != c2 {
				cost = 1
			}
			curr[j+1] = min(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns a similarity score in [0,1] based on edit distance
// relative to the longer string.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0.0
	}
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	return 1.0 - float64(Levenshtein(a, b))/float64(maxLen)
}
