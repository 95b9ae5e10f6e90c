package facts

import (
	"fmt"
	"strings"
)

// Atom is one ground fact or one query pattern: a functor applied to an
// ordered argument list. In a pattern, arguments beginning with '?' are
// variables; everywhere else arguments are literals.
type Atom struct {
	Functor string
	Args    []string
}

// A builds an atom. Shorthand for literal-heavy call sites.
func A(functor string, args ...string) Atom {
	return Atom{Functor: functor, Args: args}
}

// Arity returns the argument count.
func (a Atom) Arity() int { return len(a.Args) }

// Key identifies the functor/arity family the atom belongs to.
func (a Atom) Key() string { return fmt.Sprintf("%s/%d", a.Functor, len(a.Args)) }

// IsVariable reports whether a pattern argument is a query variable.
func IsVariable(arg string) bool {
	return strings.HasPrefix(arg, "?")
}

// Vars returns the variable names of a pattern in first-occurrence order.
func (a Atom) Vars() []string {
	var vars []string
	seen := make(map[string]bool)
	for _, arg := range a.Args {
		if IsVariable(arg) && !seen[arg] {
			seen[arg] = true
			vars = append(vars, strings.TrimPrefix(arg, "?"))
		}
	}
	return vars
}

// Match unifies a ground fact against a pattern with the same functor and
// arity. On success it returns the bindings of the pattern's variables in
// first-occurrence order. A variable repeated in the pattern must bind to
// the same value each time.
func Match(pattern, fact Atom) ([]string, bool) {
	if pattern.Functor != fact.Functor || len(pattern.Args) != len(fact.Args) {
		return nil, false
	}
	bound := make(map[string]string)
	var order []string
	for i, arg := range pattern.Args {
		if !IsVariable(arg) {
			if arg != fact.Args[i] {
				return nil, false
			}
			continue
		}
		if prev, ok := bound[arg]; ok {
			if prev != fact.Args[i] {
				return nil, false
			}
			continue
		}
		bound[arg] = fact.Args[i]
		order = append(order, arg)
	}
	row := make([]string, len(order))
	for i, v := range order {
		row[i] = bound[v]
	}
	return row, true
}

// Result holds the solutions of one pattern query: the pattern's variable
// names in first-occurrence order and one row of bindings per matching fact.
type Result struct {
	Vars []string
	Rows [][]string
}

// Empty reports whether the query produced no solutions.
func (r Result) Empty() bool { return len(r.Rows) == 0 }

// First returns the first solution row, or nil when there is none.
func (r Result) First() []string {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Column collects every binding of one variable across all rows.
func (r Result) Column(name string) []string {
	idx := -1
	for i, v := range r.Vars {
		if v == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row[idx])
	}
	return out
}

// Solve runs a pattern over an in-memory fact slice. Facts with a different
// functor or arity are skipped; row order follows fact order.
func Solve(pattern Atom, fs []Atom) Result {
	res := Result{Vars: pattern.Vars()}
	for _, f := range fs {
		if row, ok := Match(pattern, f); ok {
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}
