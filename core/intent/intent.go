// Package intent parses raw queries into routing hints and per-channel query
// strings. Extraction is a pure function of the input, no store access.
package intent

import (
	"path"
	"regexp"
	"strings"

	"github.com/siherrmann/retriever/model"
)

// filenamePattern matches name.ext shaped tokens, optionally with a leading
// directory path.
var filenamePattern = regexp.MustCompile(`^(?:[\w\-./]*/)?([\w\-]+)\.([A-Za-z0-9]{1,8})$`)

// stopwords are skipped when building the short query.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "with": true,
}

// shortQueryTokens caps how many significant tokens enter the short query.
const shortQueryTokens = 8

// Extract parses a raw query into a QueryIntent. namespaceTokens is the
// closed set of known namespace prefixes; the first one found anywhere in the
// query (case-insensitive) wins. The first name.ext shaped token becomes the
// filename hint; further filename-like tokens are ignored.
func Extract(query string, namespaceTokens []string) model.QueryIntent {
	result := model.QueryIntent{Raw: query}

	tokens := tokenize(query)

	for _, token := range tokens {
		lower := strings.ToLower(token)
		if result.NamespaceToken == "" {
			for _, ns := range namespaceTokens {
				if lower == strings.ToLower(ns) {
					result.NamespaceToken = ns
					break
				}
			}
		}
		if result.FilenameExact == "" {
			if m := filenamePattern.FindStringSubmatch(token); m != nil {
				result.FilenameExact = path.Base(token)
				result.FilenamePartial = m[1]
			}
		}
	}

	result.ShortQuery = shortQuery(tokens)
	if result.FilenamePartial != "" {
		result.TitleQuery = result.FilenamePartial
	} else {
		result.TitleQuery = result.ShortQuery
	}
	result.LexicalQuery = strings.Join(tokens, " ")

	return result
}

// tokenize splits on whitespace and trims surrounding punctuation, keeping
// inner dots and slashes so filename tokens survive.
func tokenize(query string) []string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, `.,;:!?"'()[]{}<>`)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// shortQuery keeps the first significant tokens of the query.
func shortQuery(tokens []string) string {
	kept := make([]string, 0, shortQueryTokens)
	for _, token := range tokens {
		if stopwords[strings.ToLower(token)] {
			continue
		}
		kept = append(kept, token)
		if len(kept) == shortQueryTokens {
			break
		}
	}
	return strings.Join(kept, " ")
}
