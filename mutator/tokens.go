package mutator

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadTokens parses an AFL-format dictionary file: one `name="value"` per
// line, bare `"value"` lines allowed, `#` comments, and \\ \" \xNN escapes
// inside values. Token names (and any @level suffixes) are ignored.
func LoadTokens(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dictionary %s", path)
	}
	defer f.Close()

	var tokens [][]byte
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		open := strings.IndexByte(line, '"')
		close := strings.LastIndexByte(line, '"')
		if open < 0 || close <= open {
			return nil, errors.Errorf("dictionary %s:%d: no quoted value", path, lineNo)
		}
		tok, err := unescapeToken(line[open+1 : close])
		if err != nil {
			return nil, errors.Wrapf(err, "dictionary %s:%d", path, lineNo)
		}
		if len(tok) > 0 {
			tokens = append(tokens, tok)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read dictionary %s", path)
	}
	return tokens, nil
}

func unescapeToken(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, errors.New("trailing backslash")
		}
		switch s[i] {
		case '\\':
			out = append(out, '\\')
		case '"':
			out = append(out, '"')
		case 'x':
			if i+2 >= len(s) {
				return nil, errors.New("truncated \\x escape")
			}
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if !ok1 || !ok2 {
				return nil, errors.Errorf("bad \\x escape %q", s[i+1:i+3])
			}
			out = append(out, hi<<4|lo)
			i += 2
		default:
			return nil, errors.Errorf("unknown escape \\%c", s[i])
		}
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
