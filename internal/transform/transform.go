// Package transform selects the part of an XML document covered by a partial
// signature. Filters are path expressions combined left to right with
// INTERSECT, UNION and SUBTRACT, in the manner of XPath Filter 2.0.
package transform

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

// ErrInvalidFilter indicates a filter with an unknown operator or a path that
// does not compile.
var ErrInvalidFilter = errors.New("transform: invalid filter")

// Select evaluates filters against doc. With no filters every element is
// selected. The first filter seeds the accumulator with the empty set when
// it is a UNION and with the whole document otherwise. Each match
// contributes its entire subtree.
func Select(doc *etree.Document, filters []record.TransformFilter) (NodeSet, error) {
	root := doc.Root()
	if root == nil {
		return NodeSet{}, errors.Wrap(ErrInvalidFilter, "document has no root element")
	}

	all := preorder(root)
	acc := make(map[*etree.Element]bool, len(all))
	if len(filters) == 0 || filters[0].Operator != record.FilterUnion {
		for _, e := range all {
			acc[e] = true
		}
	}

	for i, f := range filters {
		if !f.Operator.Valid() {
			return NodeSet{}, errors.Wrapf(ErrInvalidFilter, "filter %d: unknown operator %q", i, f.Operator)
		}
		path, err := etree.CompilePath(Rewrite(f.Expression, f.Namespaces))
		if err != nil {
			return NodeSet{}, errors.Wrapf(ErrInvalidFilter, "filter %d: %v", i, err)
		}

		matched := make(map[*etree.Element]bool)
		for _, m := range doc.FindElementsPath(path) {
			for _, e := range preorder(m) {
				matched[e] = true
			}
		}

		switch f.Operator {
		case record.FilterIntersect:
			for e := range acc {
				if !matched[e] {
					delete(acc, e)
				}
			}
		case record.FilterUnion:
			for e := range matched {
				acc[e] = true
			}
		case record.FilterSubtract:
			for e := range matched {
				delete(acc, e)
			}
		}
	}

	set := NodeSet{members: acc}
	for _, e := range all {
		if acc[e] {
			set.order = append(set.order, e)
		}
	}
	return set, nil
}

func preorder(e *etree.Element) []*etree.Element {
	out := []*etree.Element{e}
	for _, c := range e.ChildElements() {
		out = append(out, preorder(c)...)
	}
	return out
}

// Rewrite turns prefix:name steps whose prefix is bound in ns into
// namespace-qualified local-name tests. Quoted literals, attribute names and
// unbound prefixes are left untouched.
func Rewrite(expr string, ns map[string]string) string {
	if len(ns) == 0 {
		return expr
	}

	var b strings.Builder
	var quote byte
	for i := 0; i < len(expr); {
		c := expr[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(c)
			i++
			continue
		}
		if !isNameStart(c) {
			b.WriteByte(c)
			i++
			continue
		}

		j := i
		for j < len(expr) && isNameChar(expr[j]) {
			j++
		}
		prefix := expr[i:j]
		attribute := i > 0 && expr[i-1] == '@'
		if j < len(expr) && expr[j] == ':' && j+1 < len(expr) && (isNameStart(expr[j+1]) || expr[j+1] == '*') {
			k := j + 1
			if expr[k] == '*' {
				k++
			} else {
				for k < len(expr) && isNameChar(expr[k]) {
					k++
				}
			}
			local := expr[j+1 : k]
			if uri, ok := ns[prefix]; ok && !attribute {
				b.WriteString("*")
				if local != "*" {
					b.WriteString("[local-name()='" + local + "']")
				}
				b.WriteString("[namespace-uri()='" + uri + "']")
				i = k
				continue
			}
			b.WriteString(expr[i:k])
			i = k
			continue
		}
		b.WriteString(prefix)
		i = j
	}
	return b.String()
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c == '-' || c == '.' || (c >= '0' && c <= '9')
}
