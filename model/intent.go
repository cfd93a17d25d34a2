package model

// QueryIntent is the ephemeral result of parsing a raw query. It lives for
// exactly one retrieval call.
type QueryIntent struct {
	Raw             string `json:"raw"`
	NamespaceToken  string `json:"namespace_token,omitempty"`
	FilenameExact   string `json:"filename_exact,omitempty"`
	FilenamePartial string `json:"filename_partial,omitempty"`

	// Channel-specific query strings.
	ShortQuery   string `json:"short_query"`
	TitleQuery   string `json:"title_query"`
	LexicalQuery string `json:"lexical_query"`
}

// HasNamespace reports whether a namespace token was detected.
func (i *QueryIntent) HasNamespace() bool {
	return i.NamespaceToken != ""
}
