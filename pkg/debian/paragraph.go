package debian

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Paragraph is a single RFC822-ish control-file stanza: a set of
// Key: Value fields, where Value may continue onto subsequent lines
// indented by at least one space (used extensively by multi-line fields
// like Description and the SHA256/MD5Sum file-hash tables in Release).
// Being a map, it does not keep the fields' original order.
type Paragraph map[string]string

// ParseControlFile parses a Debian control-file style document (used for
// Release, Packages, Sources, and the control member of a .deb) into one
// Paragraph per blank-line-delimited stanza.
func ParseControlFile(r io.Reader) ([]Paragraph, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var paragraphs []Paragraph
	var cur Paragraph
	var lastKey string
	lineNo := 0

	flush := func() {
		if cur != nil {
			paragraphs = append(paragraphs, cur)
		}
		cur = nil
		lastKey = ""
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if cur == nil || lastKey == "" {
				return nil, fmt.Errorf("debian: control file line %d: continuation without a field", lineNo)
			}
			trimmed := strings.TrimPrefix(line, " ")
			if trimmed == "." {
				trimmed = ""
			}
			cur[lastKey] = cur[lastKey] + "\n" + trimmed
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("debian: control file line %d: missing ':'", lineNo)
		}

		if cur == nil {
			cur = Paragraph{}
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		cur[key] = value
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("debian: reading control file: %w", err)
	}
	flush()

	return paragraphs, nil
}

// WriteControlFile serializes paragraphs back out in the wire format,
// preserving each paragraph's keys in a deterministic (sorted) order so
// output is reproducible across runs.
func WriteControlFile(w io.Writer, paragraphs ...Paragraph) error {
	for i, p := range paragraphs {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p[k]
			lines := strings.Split(v, "\n")
			if _, err := fmt.Fprintf(w, "%s: %s\n", k, lines[0]); err != nil {
				return err
			}
			for _, cont := range lines[1:] {
				if cont == "" {
					if _, err := fmt.Fprintln(w, " ."); err != nil {
						return err
					}
					continue
				}
				if _, err := fmt.Fprintf(w, " %s\n", cont); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Get returns the field's value as ParseControlFile stored it, and whether
// it was present. The first line is trimmed of surrounding whitespace;
// continuation lines follow after a newline, so a multi-line field whose
// first line is empty (e.g. SHA256) starts with "\n".
func (p Paragraph) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Fields splits a whitespace-separated multi-value field (e.g.
// "Architectures", "Components") into its tokens.
func (p Paragraph) Fields(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	return strings.Fields(v)
}
