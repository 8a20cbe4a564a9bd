// Package sanitize converts raw visitor text into HTML-safe output that
// still permits a small allow-listed tag vocabulary entered literally.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

// AllowedTags is the full vocabulary of HTML tags permitted to appear
// literally in sanitized output.
var AllowedTags = []string{
	"b", "big", "blockquote", "code", "em", "i", "li", "ol",
	"pre", "s", "small", "strong", "sub", "sup", "u", "ul",
}

// Ordered replacements applied to everything outside URL placeholders.
// Order matters: newline normalization must not touch entity output.
var escapes = []struct{ from, to string }{
	{`\`, "&#92;"},
	{`"`, "&quot;"},
	{"<", "&lt;"},
	{">", "&gt;"},
	{"\r\n", "\n"},
	{"\r", "\n"},
}

var (
	urlRe        = regexp.MustCompile(`(?i)(?:http|https|ftp)://[a-zA-Z0-9@:;%_+.~#?&/=-]+`)
	placeholder  = regexp.MustCompile(`URL\[([0-9]+)\]`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
	codeSpanRe   = regexp.MustCompile(`(?s)(<code>)(.*?)(</code>)`)
	fenceRe      = regexp.MustCompile("(?s)(```)(.*?)(```)")
	entityRe     = regexp.MustCompile(`^&(?:#[0-9]+|#[xX][0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)
)

type tagPattern struct {
	re          *regexp.Regexp
	replacement string
}

var tagPatterns []tagPattern

func init() {
	for _, tag := range AllowedTags {
		tagPatterns = append(tagPatterns, tagPattern{
			re:          regexp.MustCompile(`(?i)&lt;(/?)` + tag + `&gt;`),
			replacement: "<${1}" + tag + ">",
		})
	}
}

// Clean sanitizes a comment body. The output contains only allow-listed
// tags, each balanced; all other angle brackets are entity-escaped; URLs
// survive byte-for-byte; content inside code spans is never interpreted
// as markup. Callers reject empty bodies before invoking Clean.
func Clean(raw string) string {
	text, urls := extractURLs(raw)
	text = escapeText(text)
	text = unescapeAllowed(text)
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	text = balance([]string{"code"}, text)
	text = escapeSpans(codeSpanRe, text)
	text = escapeSpans(fenceRe, text)
	// Span escaping can consume a code delimiter, so the final pass
	// covers the full allow-list, code included.
	text = balance(AllowedTags, text)
	return injectURLs(text, urls)
}

// extractURLs swaps every URL for an indexed placeholder so the escaping
// passes cannot mangle it and the allow-list unescape cannot resurrect
// tags hidden inside a query string.
func extractURLs(text string) (string, []string) {
	matches := urlRe.FindAllStringIndex(text, -1)
	if matches == nil {
		return text, nil
	}
	var b strings.Builder
	var urls []string
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		b.WriteString("URL[" + strconv.Itoa(len(urls)) + "]")
		urls = append(urls, text[m[0]:m[1]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), urls
}

func escapeText(text string) string {
	for _, e := range escapes {
		text = strings.ReplaceAll(text, e.from, e.to)
	}
	// Double spaces collapse to "&nbsp; " until none remain. A single
	// replacement pass leaves a fresh pair behind on odd-length runs.
	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", "&nbsp; ")
	}
	return text
}

// unescapeAllowed is the only path by which literal angle brackets re-enter
// the output. Matching is case-insensitive; tags are normalized lowercase.
func unescapeAllowed(text string) string {
	for _, tp := range tagPatterns {
		text = tp.re.ReplaceAllString(text, tp.replacement)
	}
	return text
}

// balance reconciles open/close counts per tag: missing closers are
// appended, excess closers are dropped earliest-first. Dropping the
// earliest occurrence can remove a legitimately placed closer in deeply
// nested input; that behavior is kept deliberately.
func balance(tags []string, html string) string {
	for _, tag := range tags {
		opening := "<" + tag + ">"
		closing := "</" + tag + ">"
		opens := strings.Count(html, opening)
		closes := strings.Count(html, closing)
		for opens > closes {
			html += closing
			closes++
		}
		for closes > opens {
			idx := strings.Index(html, closing)
			html = html[:idx] + html[idx+len(closing):]
			closes--
		}
	}
	return html
}

// escapeSpans re-escapes the content between span delimiters, leaving the
// delimiters themselves alone. This defeats markup nested literally inside
// a code sample: such content must render as text.
func escapeSpans(re *regexp.Regexp, text string) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		b.WriteString(text[m[2]:m[3]])
		b.WriteString(escapeKeepEntities(text[m[4]:m[5]]))
		b.WriteString(text[m[6]:m[7]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// escapeKeepEntities HTML-escapes a string without double-encoding
// entities produced by earlier passes.
func escapeKeepEntities(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			if entityRe.MatchString(s[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// injectURLs restores the original URL text. A trailing space is added
// after each URL so autolinking downstream has a token boundary; the space
// is skipped when one already follows, keeping Clean idempotent.
func injectURLs(text string, urls []string) string {
	matches := placeholder.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || n >= len(urls) {
			b.WriteString(text[last:m[1]])
			last = m[1]
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(urls[n])
		if m[1] >= len(text) || text[m[1]] != ' ' {
			b.WriteByte(' ')
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
