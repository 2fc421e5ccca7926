package etf

import (
	"bytes"
	"fmt"
	"strings"
)

// Binding is an insertion-stable mapping of variable names to terms.
// Bind is write-once per name; Merge keeps existing entries.
type Binding struct {
	names []string
	terms map[string]Term
}

// NewBinding returns an empty binding.
func NewBinding() *Binding {
	return &Binding{terms: make(map[string]Term)}
}

// Bind associates name with t unless name is already bound.
func (b *Binding) Bind(name string, t Term) {
	if _, ok := b.terms[name]; ok {
		return
	}
	b.terms[name] = t
	b.names = append(b.names, name)
}

// Search returns the term bound to name.
func (b *Binding) Search(name string) (Term, bool) {
	t, ok := b.terms[name]
	return t, ok
}

// Merge binds every entry of other; entries already present win.
func (b *Binding) Merge(other *Binding) {
	if other == nil {
		return
	}
	for _, name := range other.names {
		b.Bind(name, other.terms[name])
	}
}

// Names returns the bound names in insertion order.
func (b *Binding) Names() []string {
	names := make([]string, len(b.names))
	copy(names, b.names)
	return names
}

// Len returns the number of bound names.
func (b *Binding) Len() int {
	return len(b.names)
}

// Reset drops every entry.
func (b *Binding) Reset() {
	b.names = nil
	b.terms = make(map[string]Term)
}

func (b *Binding) clone() *Binding {
	c := NewBinding()
	c.Merge(b)
	return c
}

// TermsEqual is the structural, kind-aware equality over terms. The
// integer kinds are normalized before comparison. A nil term is never
// equal to anything.
func TermsEqual(a, b Term) bool {
	if a == nil || b == nil {
		return false
	}

	if ai, ok := intTerm(a); ok {
		bi, ok := intTerm(b)
		return ok && ai == bi
	}

	switch x := a.(type) {
	case Atom:
		y, ok := b.(Atom)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case float32:
		y, ok := b.(float64)
		return ok && float64(x) == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case Tuple:
		y, ok := b.(Tuple)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !TermsEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !TermsEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case ListImproper:
		y, ok := b.(ListImproper)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !TermsEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case Pid:
		y, ok := b.(Pid)
		return ok && x == y
	case Port:
		y, ok := b.(Port)
		return ok && x == y
	case Ref:
		y, ok := b.(Ref)
		if !ok || x.Node != y.Node || x.Creation != y.Creation || x.Old != y.Old {
			return false
		}
		if len(x.Id) != len(y.Id) {
			return false
		}
		for i := range x.Id {
			if x.Id[i] != y.Id[i] {
				return false
			}
		}
		return true
	case Var:
		y, ok := b.(Var)
		return ok && x == y
	}

	return false
}

// Match unifies value against pattern. Variables may appear on either
// side; an unbound variable binds to the opposite side after that side
// is substituted through the in-progress binding. The caller's binding
// is updated only when the whole match succeeds.
func Match(value, pattern Term, binding *Binding) bool {
	scratch := NewBinding()
	if binding != nil {
		scratch = binding.clone()
	}
	if !match(value, pattern, scratch) {
		return false
	}
	if binding != nil {
		binding.Merge(scratch)
	}
	return true
}

func match(value, pattern Term, binding *Binding) bool {
	if v, ok := pattern.(Var); ok {
		return matchVar(v, value, binding)
	}
	if v, ok := value.(Var); ok {
		return matchVar(v, pattern, binding)
	}
	if value == nil || pattern == nil {
		return false
	}

	switch p := pattern.(type) {
	case Tuple:
		v, ok := value.(Tuple)
		if !ok || len(v) != len(p) {
			return false
		}
		for i := range p {
			if !match(v[i], p[i], binding) {
				return false
			}
		}
		return true
	case List:
		if len(p) == 0 {
			return TermsEqual(value, pattern)
		}
		vh, vt, ok := listParts(value)
		if !ok || len(vh) == 0 {
			return false
		}
		return matchList(vh, vt, p, List{}, binding)
	case ListImproper:
		vh, vt, ok := listParts(value)
		if !ok || len(vh) == 0 {
			return false
		}
		return matchList(vh, vt, p[:len(p)-1], p[len(p)-1], binding)
	}

	return TermsEqual(value, pattern)
}

// matchVar applies the variable rules: anonymous matches anything and
// never binds; a bound variable delegates to its value; an unbound
// variable binds the substituted opposite side.
func matchVar(v Var, other Term, binding *Binding) bool {
	if v == Anonymous {
		return true
	}
	if bound, ok := binding.Search(string(v)); ok {
		return match(other, bound, binding)
	}
	s, err := Subst(other, binding)
	if err != nil {
		return false
	}
	binding.Bind(string(v), s)
	return true
}

// listParts splits a list kind into its head sequence and tail.
func listParts(t Term) ([]Term, Term, bool) {
	switch l := t.(type) {
	case List:
		return l, List{}, true
	case ListImproper:
		return l[:len(l)-1], l[len(l)-1], true
	}
	return nil, nil, false
}

// matchList matches head sequences element-wise; the shorter side's
// tail absorbs the remainder of the longer side.
func matchList(vh []Term, vt Term, ph []Term, pt Term, binding *Binding) bool {
	n := len(vh)
	if len(ph) < n {
		n = len(ph)
	}
	for i := 0; i < n; i++ {
		if !match(vh[i], ph[i], binding) {
			return false
		}
	}
	return match(listRest(vh[n:], vt), listRest(ph[n:], pt), binding)
}

// listRest rebuilds the remainder of a list from leftover heads and the
// original tail.
func listRest(heads []Term, tail Term) Term {
	if len(heads) == 0 {
		return tail
	}
	if l, ok := tail.(List); ok && len(l) == 0 {
		rest := make(List, len(heads))
		copy(rest, heads)
		return rest
	}
	rest := make(ListImproper, 0, len(heads)+1)
	rest = append(rest, heads...)
	return append(rest, tail)
}

// Subst returns term with every variable replaced by its bound value.
// An unbound or anonymous variable is an error.
func Subst(term Term, binding *Binding) (Term, error) {
	switch t := term.(type) {
	case nil:
		return nil, ErrInvalidTerm
	case Var:
		if t == Anonymous {
			return nil, &VariableUnbound{Name: string(t)}
		}
		if binding != nil {
			if bound, ok := binding.Search(string(t)); ok {
				return bound, nil
			}
		}
		return nil, &VariableUnbound{Name: string(t)}
	case Tuple:
		out := make(Tuple, len(t))
		for i, e := range t {
			s, err := Subst(e, binding)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case List:
		out := make(List, len(t))
		for i, e := range t {
			s, err := Subst(e, binding)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case ListImproper:
		out := make(ListImproper, len(t))
		for i, e := range t {
			s, err := Subst(e, binding)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}
	return term, nil
}

// TermToString renders a term the way the shell prints it. Variables
// render through the binding when bound.
func TermToString(term Term, binding *Binding) string {
	switch t := term.(type) {
	case nil:
		return "** invalid term **"
	case Atom:
		return string(t)
	case string:
		return fmt.Sprintf("%q", t)
	case []byte:
		parts := make([]string, len(t))
		for i, c := range t {
			parts[i] = fmt.Sprintf("%d", c)
		}
		return "<<" + strings.Join(parts, ",") + ">>"
	case Var:
		if t != Anonymous && binding != nil {
			if bound, ok := binding.Search(string(t)); ok {
				return TermToString(bound, binding)
			}
		}
		return string(t)
	case Tuple:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = TermToString(e, binding)
		}
		return "{" + strings.Join(parts, ",") + "}"
	case List:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = TermToString(e, binding)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case ListImproper:
		parts := make([]string, len(t)-1)
		for i, e := range t[:len(t)-1] {
			parts[i] = TermToString(e, binding)
		}
		return "[" + strings.Join(parts, ",") + "|" + TermToString(t[len(t)-1], binding) + "]"
	case Pid:
		return fmt.Sprintf("<%s.%d.%d>", t.Node, t.Id, t.Serial)
	case Port:
		return fmt.Sprintf("#Port<%s.%d>", t.Node, t.Id)
	case Ref:
		parts := make([]string, len(t.Id))
		for i, id := range t.Id {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return fmt.Sprintf("#Ref<%s.%s>", t.Node, strings.Join(parts, "."))
	}
	return fmt.Sprintf("%v", term)
}
