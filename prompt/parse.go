package prompt

import (
	"strings"

	"github.com/pithecene-io/delve/types"
)

const (
	fenceOpen  = "```repl"
	fenceClose = "```"
)

// ParseRootOutput extracts the program from a root-model response.
//
// The response must consist of exactly one fenced code block labelled repl,
// occupying the entire output (surrounding whitespace allowed). Leading or
// trailing text, a missing block, or multiple blocks are parse errors.
func ParseRootOutput(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", types.E(types.KindParserError, "empty root output")
	}

	if !strings.HasPrefix(trimmed, fenceOpen) {
		return "", types.E(types.KindParserError,
			"root output must start with a ```repl fence")
	}
	rest := trimmed[len(fenceOpen):]
	if rest == "" || (rest[0] != '\n' && rest[0] != '\r') {
		return "", types.E(types.KindParserError,
			"malformed ```repl fence: expected newline after label")
	}

	if !strings.HasSuffix(trimmed, fenceClose) {
		return "", types.E(types.KindParserError,
			"root output must end with a closing ``` fence")
	}
	body := rest[:len(rest)-len(fenceClose)]

	// A second fence anywhere in the body means multiple blocks or trailing
	// text spliced between blocks.
	if strings.Contains(body, "```") {
		return "", types.E(types.KindParserError,
			"root output must contain exactly one fenced block")
	}

	code := strings.TrimRight(strings.TrimLeft(body, "\r\n"), " \t\r\n")
	if strings.TrimSpace(code) == "" {
		return "", types.E(types.KindParserError, "empty program in ```repl block")
	}
	return code, nil
}
