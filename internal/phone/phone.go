package phone

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

var international = regexp.MustCompile(`^\+\d{10,15}$`)

// Valid reports whether s is a plus sign followed by 10 to 15 digits.
func Valid(s string) bool {
	return international.MatchString(s)
}

// Normalize strips common formatting (spaces, dashes, dots, parentheses)
// and turns a leading "00" into "+". It does not validate.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')', r == '\t':
		default:
			// keep anything unexpected so validation rejects it
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	return out
}

// ParseList reads numbers separated by newlines, commas or semicolons.
// Blank entries and duplicates are dropped; first-seen order is kept.
// Entries are normalized but not validated, so malformed numbers still end
// up in the list and are rejected during verification.
func ParseList(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	seen := make(map[string]struct{})
	var out []string
	for sc.Scan() {
		fields := strings.FieldsFunc(sc.Text(), func(r rune) bool {
			return r == ',' || r == ';'
		})
		for _, f := range fields {
			n := Normalize(f)
			if n == "" {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
