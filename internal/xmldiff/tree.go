package xmldiff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// DefaultKeyAttribute names the attribute carrying element identity across versions.
const DefaultKeyAttribute = "diff_key"

const indentSpaces = 2

var (
	// ErrSubtreeMismatch indicates two trees (or two nodes) cannot be paired by key.
	ErrSubtreeMismatch = errors.New("xmldiff: subtree mismatch")
	// ErrMissingKey indicates an element without the key attribute.
	ErrMissingKey = errors.New("xmldiff: element without key")
	// ErrInvalidOperation indicates a patch operation that cannot be applied.
	ErrInvalidOperation = errors.New("xmldiff: invalid operation")
)

// ParseTree reads an XML document and strips its indentation.
func ParseTree(raw string) (*etree.Document, error) {
	document := etree.NewDocument()
	if err := document.ReadFromString(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	root := document.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: document has no root element", ErrInvalidOperation)
	}
	normalized := etree.NewDocument()
	normalized.SetRoot(Dedent(root.Copy()))
	return normalized, nil
}

// Dedent removes indentation from element in place and returns it.
// Whitespace-only text disappears, remaining text is trimmed, adjacent text
// runs are merged and comments or processing instructions are dropped.
func Dedent(element *etree.Element) *etree.Element {
	if element == nil {
		return nil
	}
	tokens := make([]etree.Token, 0, len(element.Child))
	pendingText := ""
	flushText := func() {
		trimmed := strings.TrimSpace(pendingText)
		if trimmed != "" {
			tokens = append(tokens, etree.NewText(trimmed))
		}
		pendingText = ""
	}
	for _, token := range element.Child {
		switch typed := token.(type) {
		case *etree.CharData:
			pendingText += typed.Data
		case *etree.Element:
			flushText()
			tokens = append(tokens, Dedent(typed))
		}
	}
	flushText()

	for len(element.Child) > 0 {
		element.RemoveChildAt(len(element.Child) - 1)
	}
	for _, token := range tokens {
		element.AddChild(token)
	}
	return element
}

// Indent returns a copy of document with canonical indentation.
func Indent(document *etree.Document) *etree.Document {
	indented := etree.NewDocument()
	if root := document.Root(); root != nil {
		indented.SetRoot(Dedent(root.Copy()))
	}
	indented.Indent(indentSpaces)
	return indented
}

// Canonical renders element with sorted attributes and canonical indentation.
// Two trees equal modulo indentation have the same canonical form.
func Canonical(element *etree.Element) (string, error) {
	if element == nil {
		return "", nil
	}
	copied := Dedent(element.Copy())
	sortAttributes(copied)
	document := etree.NewDocument()
	document.SetRoot(copied)
	document.Indent(indentSpaces)
	return document.WriteToString()
}

func sortAttributes(element *etree.Element) {
	element.SortAttrs()
	for _, child := range element.ChildElements() {
		sortAttributes(child)
	}
}

// keyedNode records where a keyed element sits in its tree.
type keyedNode struct {
	element  *etree.Element
	parent   *etree.Element
	position int
}

// indexKeys maps every key in root's subtree to its element, parent and position
// among the parent's element children. Missing or duplicate keys fail.
func indexKeys(root *etree.Element, keyAttribute string) (map[string]keyedNode, []string, error) {
	index := make(map[string]keyedNode)
	order := make([]string, 0)
	var walk func(element *etree.Element, parent *etree.Element, position int) error
	walk = func(element *etree.Element, parent *etree.Element, position int) error {
		key, ok := keyOf(element, keyAttribute)
		if !ok {
			return fmt.Errorf("%w: <%s>", ErrMissingKey, element.FullTag())
		}
		if _, exists := index[key]; exists {
			return fmt.Errorf("%w: key %q appears twice", ErrSubtreeMismatch, key)
		}
		index[key] = keyedNode{element: element, parent: parent, position: position}
		order = append(order, key)
		for childPosition, child := range element.ChildElements() {
			if err := walk(child, element, childPosition); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil, 0); err != nil {
		return nil, nil, err
	}
	return index, order, nil
}

func keyOf(element *etree.Element, keyAttribute string) (string, bool) {
	attribute := element.SelectAttr(keyAttribute)
	if attribute == nil {
		return "", false
	}
	return attribute.Value, true
}

func attributeMap(element *etree.Element) map[string]string {
	values := make(map[string]string, len(element.Attr))
	for _, attribute := range element.Attr {
		values[attribute.FullKey()] = attribute.Value
	}
	return values
}

func isAncestorOrSelf(candidate *etree.Element, element *etree.Element) bool {
	for current := element; current != nil; current = current.Parent() {
		if current == candidate {
			return true
		}
	}
	return false
}

// leadingText returns the text before the first element child.
func leadingText(element *etree.Element) string {
	var builder strings.Builder
	for _, token := range element.Child {
		if _, isElement := token.(*etree.Element); isElement {
			break
		}
		if charData, ok := token.(*etree.CharData); ok {
			builder.WriteString(charData.Data)
		}
	}
	return strings.TrimSpace(builder.String())
}

// tailText returns the text between element and its next element sibling.
func tailText(element *etree.Element) string {
	parent := element.Parent()
	if parent == nil {
		return ""
	}
	var builder strings.Builder
	for _, token := range parent.Child[element.Index()+1:] {
		if _, isElement := token.(*etree.Element); isElement {
			break
		}
		if charData, ok := token.(*etree.CharData); ok {
			builder.WriteString(charData.Data)
		}
	}
	return strings.TrimSpace(builder.String())
}
