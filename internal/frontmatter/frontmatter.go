// Package frontmatter reads and edits the hivemind-id tag in a document's
// leading metadata block. Edits splice lines rather than re-marshaling the
// block, so unrelated keys keep their formatting.
package frontmatter

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Key is the well-known metadata key carrying the document identifier.
const Key = "hivemind-id"

const delimiter = "---"

// ReadID returns the document identifier embedded in content's leading
// metadata block, if any.
func ReadID(content []byte) (string, bool) {
	block, _, ok := splitBlock(string(content))
	if !ok {
		return "", false
	}
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(block), &fields); err != nil {
		return "", false
	}
	value, ok := fields[Key]
	if !ok {
		return "", false
	}
	id, ok := value.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return strings.TrimSpace(id), true
}

// InsertID embeds id in content's leading metadata block, creating the
// block if absent and replacing any existing hivemind-id value.
func InsertID(content []byte, id string) []byte {
	text := string(content)
	line := Key + ": " + id
	block, rest, ok := splitBlock(text)
	if !ok {
		return []byte(restoreCRLF(text, delimiter+"\n"+line+"\n"+delimiter+"\n"+normalize(text)))
	}
	lines := blockLines(block)
	replaced := false
	for i, l := range lines {
		if keyOfLine(l) == Key {
			lines[i] = line
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, line)
	}
	return []byte(restoreCRLF(text, joinBlock(lines)+rest))
}

// RemoveID strips the hivemind-id entry from content's leading metadata
// block. A block left with no other entries is removed entirely.
func RemoveID(content []byte) []byte {
	text := string(content)
	block, rest, ok := splitBlock(text)
	if !ok {
		return content
	}
	lines := blockLines(block)
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if keyOfLine(l) == Key {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == len(lines) {
		return content
	}
	empty := true
	for _, l := range kept {
		if strings.TrimSpace(l) != "" {
			empty = false
			break
		}
	}
	if empty {
		return []byte(restoreCRLF(text, strings.TrimPrefix(rest, "\n")))
	}
	return []byte(restoreCRLF(text, joinBlock(kept)+rest))
}

// splitBlock separates a leading metadata block from the document body.
// block is the raw text between the delimiters; rest is everything after
// the closing delimiter line, newline included.
func splitBlock(text string) (block, rest string, ok bool) {
	normalized := normalize(text)
	if !strings.HasPrefix(normalized, delimiter+"\n") {
		return "", "", false
	}
	body := normalized[len(delimiter)+1:]
	idx := strings.Index(body, "\n"+delimiter+"\n")
	if idx < 0 {
		if strings.HasSuffix(body, "\n"+delimiter) {
			return body[:len(body)-len(delimiter)-1], "", true
		}
		return "", "", false
	}
	return body[:idx], body[idx+len(delimiter)+2:], true
}

func normalize(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

// restoreCRLF converts an edited document back to CRLF endings when the
// original used CRLF on every line. Files with mixed endings come out
// normalized to LF.
func restoreCRLF(original, edited string) string {
	if !strings.Contains(original, "\r\n") {
		return edited
	}
	if strings.Count(original, "\n") != strings.Count(original, "\r\n") {
		return edited
	}
	return strings.ReplaceAll(edited, "\n", "\r\n")
}

func blockLines(block string) []string {
	if block == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(block, "\n"), "\n")
}

func joinBlock(lines []string) string {
	return delimiter + "\n" + strings.Join(lines, "\n") + "\n" + delimiter + "\n"
}

func keyOfLine(line string) string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[:idx])
}
