package transform

import (
	"bytes"
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
	dsig "github.com/russellhaering/goxmldsig"
)

// NodeSet is a document-ordered set of selected elements.
type NodeSet struct {
	members map[*etree.Element]bool
	order   []*etree.Element
}

// Len returns the number of selected elements.
func (s NodeSet) Len() int {
	return len(s.order)
}

// Contains reports whether e is selected.
func (s NodeSet) Contains(e *etree.Element) bool {
	return s.members[e]
}

// Elements returns the selected elements in document order.
func (s NodeSet) Elements() []*etree.Element {
	return append([]*etree.Element(nil), s.order...)
}

// Roots returns the selected elements whose parent is not selected.
func (s NodeSet) Roots() []*etree.Element {
	var out []*etree.Element
	for _, e := range s.order {
		if p := e.Parent(); p == nil || !s.members[p] {
			out = append(out, e)
		}
	}
	return out
}

// Canonical serializes every maximal selected subtree with exclusive XML
// canonicalization, omitting unselected descendants, and concatenates the
// results in document order. This is the digest input of a partial
// signature.
func (s NodeSet) Canonical() ([]byte, error) {
	if len(s.order) == 0 {
		return nil, errors.Wrap(ErrInvalidFilter, "filters select nothing")
	}

	canon := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	var out bytes.Buffer
	for _, root := range s.Roots() {
		cp := s.prune(root)
		inheritNamespaces(cp, root)
		b, err := canon.Canonicalize(cp)
		if err != nil {
			return nil, errors.Wrap(err, "canonicalize selection")
		}
		out.Write(b)
	}
	return out.Bytes(), nil
}

func (s NodeSet) prune(src *etree.Element) *etree.Element {
	dst := etree.NewElement(src.FullTag())
	for _, a := range src.Attr {
		dst.CreateAttr(a.FullKey(), a.Value)
	}
	for _, tok := range src.Child {
		switch t := tok.(type) {
		case *etree.Element:
			if s.members[t] {
				dst.AddChild(s.prune(t))
			}
		case *etree.CharData:
			if t.IsCData() {
				dst.CreateCData(t.Data)
			} else {
				dst.CreateText(t.Data)
			}
		}
	}
	return dst
}

// inheritNamespaces copies namespace declarations in scope at src onto the
// detached copy dst so prefixes still resolve. Declarations dst already
// carries win.
func inheritNamespaces(dst, src *etree.Element) {
	declared := map[string]bool{}
	for _, a := range dst.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			declared[a.FullKey()] = true
		}
	}
	for p := src.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			isNS := a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
			if !isNS || declared[a.FullKey()] {
				continue
			}
			if strings.TrimSpace(a.Value) == "" && a.Key == "xmlns" {
				continue
			}
			declared[a.FullKey()] = true
			dst.CreateAttr(a.FullKey(), a.Value)
		}
	}
}

// CanonicalElement canonicalizes a copy of el with exclusive XML
// canonicalization, carrying over namespace declarations from its ancestors.
func CanonicalElement(el *etree.Element) ([]byte, error) {
	cp := el.Copy()
	inheritNamespaces(cp, el)
	b, err := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(cp)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize element")
	}
	return b, nil
}
