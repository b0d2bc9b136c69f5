package xmldiff

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Position enumerates where an operation acts relative to its target.
type Position string

const (
	PositionBefore     Position = "before"
	PositionAfter      Position = "after"
	PositionInside     Position = "inside"
	PositionReplace    Position = "replace"
	PositionAttributes Position = "attributes"
	PositionMove       Position = "move"
)

// GroupKind distinguishes plain patch groups from deferred hole placements.
type GroupKind string

const (
	GroupKindPatch    GroupKind = ""
	GroupKindFillHole GroupKind = "fill-hole"
)

const (
	tagData        = "data"
	tagXPath       = "xpath"
	tagAttribute   = "attribute"
	tagHole        = "hole"
	attrExpr       = "expr"
	attrPosition   = "position"
	attrKind       = "kind"
	attrSegment    = "segment"
	attrName       = "name"
	attrValue      = "value"
	attrHoleFor    = "for"
	segmentText    = "text"
	metaAttrPrefix = "meta-"
)

// Operation is a single xpath-addressed step of a patch program.
//
// Body holds literal elements to insert and move placeholders
// (<xpath expr="…" position="move"/>). Text operations set the text segment
// before, after or inside the target instead of inserting elements.
type Operation struct {
	Expr        string
	Position    Position
	TextSegment bool
	Text        string
	Body        []*etree.Element
	Attributes  []AttributeChange
}

// Group is an ordered run of operations evaluated relative to one root:
// the document root when Expr is empty, otherwise the element Expr selects.
type Group struct {
	Expr       string
	Kind       GroupKind
	Operations []Operation
}

// Program is an ordered list of groups.
type Program struct {
	Groups []Group
}

// Empty reports whether the program changes nothing.
func (program Program) Empty() bool {
	for _, group := range program.Groups {
		if len(group.Operations) > 0 {
			return false
		}
	}
	return true
}

// Operations flattens the program in application order.
func (program Program) Operations() []Operation {
	operations := make([]Operation, 0)
	for _, group := range program.Groups {
		operations = append(operations, group.Operations...)
	}
	return operations
}

// MoveCount returns the number of move placeholders in the program.
func (program Program) MoveCount() int {
	count := 0
	for _, operation := range program.Operations() {
		for _, body := range operation.Body {
			if isMove(body) {
				count++
			}
		}
	}
	return count
}

// Marshal renders the program in the <data> wire format.
func (program Program) Marshal() (string, error) {
	document := etree.NewDocument()
	root := document.CreateElement(tagData)
	for _, group := range program.Groups {
		if len(group.Operations) == 0 {
			continue
		}
		groupElement := root.CreateElement(tagData)
		if group.Expr != "" {
			groupElement.CreateAttr(attrExpr, group.Expr)
		}
		if group.Kind != GroupKindPatch {
			groupElement.CreateAttr(attrKind, string(group.Kind))
		}
		for _, operation := range group.Operations {
			groupElement.AddChild(operation.element())
		}
	}
	document.Indent(indentSpaces)
	return document.WriteToString()
}

func (operation Operation) element() *etree.Element {
	element := etree.NewElement(tagXPath)
	element.CreateAttr(attrExpr, operation.Expr)
	element.CreateAttr(attrPosition, string(operation.Position))
	switch {
	case operation.Position == PositionAttributes:
		for _, change := range operation.Attributes {
			attribute := element.CreateElement(tagAttribute)
			attribute.CreateAttr(attrName, change.Name)
			if change.Removed() {
				continue
			}
			if strings.TrimSpace(*change.Value) == "" {
				attribute.CreateAttr(attrValue, *change.Value)
				continue
			}
			attribute.SetText(*change.Value)
		}
	case operation.TextSegment:
		element.CreateAttr(attrSegment, segmentText)
		if operation.Text != "" {
			element.SetText(operation.Text)
		}
	default:
		for _, body := range operation.Body {
			element.AddChild(body.Copy())
		}
	}
	return element
}

// ParseProgram reads a program from its wire format. Operations placed
// directly under the outer <data> form an implicit document-root group.
func ParseProgram(raw string) (Program, error) {
	document := etree.NewDocument()
	if err := document.ReadFromString(raw); err != nil {
		return Program{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	root := document.Root()
	if root == nil || root.Tag != tagData {
		return Program{}, fmt.Errorf("%w: patch root must be <%s>", ErrInvalidOperation, tagData)
	}

	program := Program{}
	implicit := Group{}
	for _, child := range root.ChildElements() {
		switch child.Tag {
		case tagData:
			group, err := parseGroup(child)
			if err != nil {
				return Program{}, err
			}
			program.Groups = append(program.Groups, group)
		case tagXPath:
			operation, err := parseOperation(child)
			if err != nil {
				return Program{}, err
			}
			implicit.Operations = append(implicit.Operations, operation)
		default:
			return Program{}, fmt.Errorf("%w: unexpected <%s> in patch", ErrInvalidOperation, child.FullTag())
		}
	}
	if len(implicit.Operations) > 0 {
		program.Groups = append([]Group{implicit}, program.Groups...)
	}
	return program, nil
}

func parseGroup(element *etree.Element) (Group, error) {
	group := Group{
		Expr: element.SelectAttrValue(attrExpr, ""),
		Kind: GroupKind(element.SelectAttrValue(attrKind, "")),
	}
	for _, child := range element.ChildElements() {
		if child.Tag != tagXPath {
			return Group{}, fmt.Errorf("%w: unexpected <%s> in group", ErrInvalidOperation, child.FullTag())
		}
		operation, err := parseOperation(child)
		if err != nil {
			return Group{}, err
		}
		group.Operations = append(group.Operations, operation)
	}
	return group, nil
}

func parseOperation(element *etree.Element) (Operation, error) {
	operation := Operation{
		Expr:     element.SelectAttrValue(attrExpr, ""),
		Position: Position(element.SelectAttrValue(attrPosition, string(PositionInside))),
	}
	if operation.Expr == "" {
		return Operation{}, fmt.Errorf("%w: xpath without expr", ErrInvalidOperation)
	}

	switch operation.Position {
	case PositionAttributes:
		for _, child := range element.ChildElements() {
			if child.Tag != tagAttribute {
				return Operation{}, fmt.Errorf("%w: unexpected <%s> in attributes", ErrInvalidOperation, child.FullTag())
			}
			name := child.SelectAttrValue(attrName, "")
			if name == "" {
				return Operation{}, fmt.Errorf("%w: attribute without name", ErrInvalidOperation)
			}
			change := AttributeChange{Name: name}
			if explicit := child.SelectAttr(attrValue); explicit != nil {
				value := explicit.Value
				change.Value = &value
			} else if text := child.Text(); text != "" {
				value := text
				change.Value = &value
			}
			operation.Attributes = append(operation.Attributes, change)
		}
	case PositionBefore, PositionAfter, PositionInside, PositionReplace:
		if element.SelectAttrValue(attrSegment, "") == segmentText {
			if operation.Position == PositionReplace {
				return Operation{}, fmt.Errorf("%w: text segment cannot replace", ErrInvalidOperation)
			}
			operation.TextSegment = true
			operation.Text = strings.TrimSpace(element.Text())
			return operation, nil
		}
		for _, child := range element.ChildElements() {
			operation.Body = append(operation.Body, Dedent(child.Copy()))
		}
	default:
		return Operation{}, fmt.Errorf("%w: unknown position %q", ErrInvalidOperation, operation.Position)
	}
	return operation, nil
}

func moveElement(expr string) *etree.Element {
	element := etree.NewElement(tagXPath)
	element.CreateAttr(attrExpr, expr)
	element.CreateAttr(attrPosition, string(PositionMove))
	return element
}

func isMove(element *etree.Element) bool {
	return element.Tag == tagXPath && element.SelectAttrValue(attrPosition, "") == string(PositionMove)
}

func holeElement(key string) *etree.Element {
	element := etree.NewElement(tagHole)
	element.CreateAttr(attrHoleFor, key)
	return element
}
