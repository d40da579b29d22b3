package parser

import (
	"bytes"
)

// splitFrontmatter separates YAML frontmatter from a markdown document.
// ok is false when the document has no frontmatter.
func splitFrontmatter(content []byte) (fm, body []byte, ok bool) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, content, false
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return nil, content, false
	}

	fm = rest[:endIdx]
	body = rest[endIdx+4:] // skip \n---
	return fm, bytes.TrimLeft(body, "\n"), true
}

// extractTitle returns the first level-one heading of a markdown body
func extractTitle(body []byte) string {
	for _, line := range bytes.Split(body, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("# ")) {
			return string(bytes.TrimSpace(line[2:]))
		}
	}
	return ""
}
