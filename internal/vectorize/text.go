package vectorize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Token length bounds for description tokens.
const (
	DefaultMinTokenLen = 3
	DefaultMaxTokenLen = 50
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at be
		because been before being below between both but by can could did do does doing down during each
		few for from further had has have having he her here hers herself him himself his how however into
		is it its itself just more most much must nor not now off once only other our ours ourselves out
		over own same she should some such than that the their theirs them themselves then there these they
		this those through too under until upon very was way we well were what when where which while who
		whom why will with within without would you your yours yourself yourselves`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether w is ignored during tokenization.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// StripHTML extracts the visible text of an HTML fragment.
func StripHTML(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	inScript := false
	inStyle := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOF, or malformed markup where the text read so far is kept
			return strings.Join(strings.Fields(b.String()), " ")

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script":
				inScript = true
			case "style":
				inStyle = true
			}
			b.WriteByte(' ')

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script":
				inScript = false
			case "style":
				inStyle = false
			}
			b.WriteByte(' ')

		case html.SelfClosingTagToken:
			b.WriteByte(' ')

		case html.TextToken:
			if !inScript && !inStyle {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// Tokenize turns a free-text description into unique, lower-cased,
// alphabetic tokens of minLen..maxLen characters with stop words removed.
// Tokens keep first-occurrence order.
func Tokenize(text string, minLen, maxLen int) []string {
	if minLen <= 0 {
		minLen = DefaultMinTokenLen
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxTokenLen
	}

	plain := StripHTML(text)
	plain = cases.Lower(language.Und).String(norm.NFKC.String(plain))

	fields := strings.FieldsFunc(plain, func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		n := utf8.RuneCountInString(f)
		if n < minLen || n > maxLen {
			continue
		}
		if IsStopWord(f) {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}
