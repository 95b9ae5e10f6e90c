package facts

import (
	"fmt"
	"strings"
)

// Atoms travel in rule files and rule payloads as one text line each, in
// the form functor(arg1, arg2, ...). Arguments containing delimiters are
// double-quoted with backslash escapes so that JSON decision values and
// free-text labels survive the round trip.

// String renders the atom in rule-file form.
func (a Atom) String() string {
	var b strings.Builder
	b.WriteString(a.Functor)
	b.WriteByte('(')
	for i, arg := range a.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteArg(arg))
	}
	b.WriteByte(')')
	return b.String()
}

func quoteArg(arg string) string {
	// Unquoted args are trimmed on parse, so anything with whitespace at
	// either edge must be quoted too.
	if arg != "" && strings.TrimSpace(arg) == arg && !strings.ContainsAny(arg, "(),\"\\ \t\n\r") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range arg {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// ParseAtom parses one rule-file line back into an atom.
func ParseAtom(line string) (Atom, error) {
	s := strings.TrimSpace(line)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return Atom{}, fmt.Errorf("malformed atom %q", line)
	}
	atom := Atom{Functor: strings.TrimSpace(s[:open])}
	body := s[open+1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		return atom, nil
	}

	i := 0
	for i <= len(body) {
		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
		if i < len(body) && body[i] == '"' {
			arg, next, err := parseQuoted(body, i)
			if err != nil {
				return Atom{}, fmt.Errorf("malformed atom %q: %w", line, err)
			}
			atom.Args = append(atom.Args, arg)
			i = next
			for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
				i++
			}
			if i < len(body) {
				if body[i] != ',' {
					return Atom{}, fmt.Errorf("malformed atom %q: expected ',' at %d", line, i)
				}
				i++
				continue
			}
			break
		}
		end := strings.IndexByte(body[i:], ',')
		if end < 0 {
			atom.Args = append(atom.Args, strings.TrimSpace(body[i:]))
			break
		}
		atom.Args = append(atom.Args, strings.TrimSpace(body[i:i+end]))
		i += end + 1
	}
	return atom, nil
}

func parseQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("dangling escape at %d", i)
			}
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return "", 0, fmt.Errorf("unknown escape \\%c at %d", s[i+1], i)
			}
			i += 2
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated quote starting at %d", start)
}

// ParseAtoms parses a block of rule-file text, one atom per line. Blank
// lines and lines starting with // or # are skipped.
func ParseAtoms(text string) ([]Atom, error) {
	var atoms []Atom
	for n, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "//") || strings.HasPrefix(s, "#") {
			continue
		}
		a, err := ParseAtom(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}

// FormatAtoms renders atoms one per line, in order.
func FormatAtoms(atoms []Atom) string {
	lines := make([]string, len(atoms))
	for i, a := range atoms {
		lines[i] = a.String()
	}
	return strings.Join(lines, "\n")
}
