package vcd

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// headerLexer tokenizes a single header line into its keyword and
// whitespace-separated payload words. The body of a VCD trace (the bulk
// of the file) never passes through this lexer — it is scanned line by
// line with bufio.Scanner per the decoder's linear-pass contract; only
// the small `$keyword ... $end` header section is worth grounding in a
// real tokenizer.
var headerLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `\$[A-Za-z]+`},
	{Name: "Ident", Pattern: `[^\s$]+`},
	{Name: "Whitespace", Pattern: `[ \t]+`},
})

// tokenizeHeaderLine splits line into its non-whitespace tokens using
// headerLexer, preserving "$xxx" keywords as single tokens.
func tokenizeHeaderLine(line string) ([]string, error) {
	lex, err := headerLexer.Lex("", strings.NewReader(line))
	if err != nil {
		return nil, err
	}
	var toks []string
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, err
		}
		if tok.EOF() {
			break
		}
		if strings.TrimSpace(tok.Value) == "" {
			continue
		}
		toks = append(toks, tok.Value)
	}
	return toks, nil
}
