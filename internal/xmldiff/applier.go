package xmldiff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

var metaPredicatePattern = regexp.MustCompile(`\[@` + metaAttrPrefix + `[A-Za-z0-9_.:-]+=(?:'[^']*'|"[^"]*")\]`)

// Apply returns a copy of document with program applied. Groups apply in
// order; the result is re-indented. The input document is not modified.
func Apply(document *etree.Document, program Program) (*etree.Document, error) {
	if document == nil || document.Root() == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidOperation)
	}
	working := etree.NewDocument()
	working.SetRoot(Dedent(document.Root().Copy()))

	for groupIndex, group := range program.Groups {
		if err := applyGroup(working, group); err != nil {
			return nil, fmt.Errorf("group %d: %w", groupIndex, err)
		}
	}
	return Indent(working), nil
}

// ApplyString parses arch, applies the wire-format patch and renders the result.
func ApplyString(arch string, patch string) (string, error) {
	document, err := ParseTree(arch)
	if err != nil {
		return "", err
	}
	program, err := ParseProgram(patch)
	if err != nil {
		return "", err
	}
	patched, err := Apply(document, program)
	if err != nil {
		return "", err
	}
	return patched.WriteToString()
}

func applyGroup(document *etree.Document, group Group) error {
	for operationIndex, operation := range group.Operations {
		// The document group follows the root even when an operation replaces it.
		scope, err := groupRoot(document, group.Expr)
		if err != nil {
			return err
		}
		if err := applyOperation(document, scope, operation); err != nil {
			return fmt.Errorf("operation %d (%s %s): %w", operationIndex, operation.Position, operation.Expr, err)
		}
	}
	return nil
}

func groupRoot(document *etree.Document, expr string) (*etree.Element, error) {
	root := document.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: document has no root", ErrInvalidOperation)
	}
	if expr == "" {
		return root, nil
	}
	return findOne(root, expr)
}

func findOne(scope *etree.Element, expr string) (*etree.Element, error) {
	path, err := etree.CompilePath(stripMetaPredicates(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: bad expression %q: %v", ErrInvalidOperation, expr, err)
	}
	found := scope.FindElementPath(path)
	if found == nil {
		return nil, fmt.Errorf("%w: nothing matches %q", ErrInvalidOperation, expr)
	}
	return found, nil
}

func stripMetaPredicates(expr string) string {
	return metaPredicatePattern.ReplaceAllString(expr, "")
}

func applyOperation(document *etree.Document, scope *etree.Element, operation Operation) error {
	target, err := findOne(scope, operation.Expr)
	if err != nil {
		return err
	}

	if operation.Position == PositionAttributes {
		for _, change := range operation.Attributes {
			if change.Removed() {
				target.RemoveAttr(change.Name)
				continue
			}
			target.CreateAttr(change.Name, *change.Value)
		}
		return nil
	}
	if operation.TextSegment {
		return setTextSegment(target, operation.Position, operation.Text)
	}

	nodes, err := materialize(scope, target, operation)
	if err != nil {
		return err
	}

	switch operation.Position {
	case PositionInside:
		for _, node := range nodes {
			target.AddChild(node)
		}
	case PositionBefore, PositionAfter:
		parent := target.Parent()
		if target == document.Root() || parent == nil {
			return fmt.Errorf("%w: cannot insert beside the document root", ErrInvalidOperation)
		}
		index := target.Index()
		if operation.Position == PositionAfter {
			index++
		}
		for offset, node := range nodes {
			parent.InsertChildAt(index+offset, node)
		}
	case PositionReplace:
		if target == document.Root() {
			if len(nodes) != 1 {
				return fmt.Errorf("%w: document root must be replaced by exactly one element", ErrInvalidOperation)
			}
			document.SetRoot(nodes[0])
			return nil
		}
		parent := target.Parent()
		index := target.Index()
		parent.RemoveChildAt(index)
		for offset, node := range nodes {
			parent.InsertChildAt(index+offset, node)
		}
	default:
		return fmt.Errorf("%w: unsupported position %q", ErrInvalidOperation, operation.Position)
	}
	return nil
}

// materialize resolves body items against the pre-operation tree. Every move
// source, including moves nested inside literal bodies, is located before any
// element is detached.
func materialize(scope *etree.Element, target *etree.Element, operation Operation) ([]*etree.Element, error) {
	type pendingMove struct {
		placeholder *etree.Element
		source      *etree.Element
	}

	nodes := make([]*etree.Element, len(operation.Body))
	moves := make([]pendingMove, 0)
	seen := make(map[*etree.Element]struct{})
	resolve := func(placeholder *etree.Element) (*etree.Element, error) {
		source, err := findOne(scope, placeholder.SelectAttrValue(attrExpr, ""))
		if err != nil {
			return nil, err
		}
		if operation.Position == PositionReplace {
			if source == target {
				return nil, fmt.Errorf("%w: cannot move the replaced element", ErrInvalidOperation)
			}
		} else if isAncestorOrSelf(source, target) {
			return nil, fmt.Errorf("%w: cannot move an element into itself", ErrInvalidOperation)
		}
		if _, duplicate := seen[source]; duplicate {
			return nil, fmt.Errorf("%w: element moved twice", ErrInvalidOperation)
		}
		seen[source] = struct{}{}
		return source, nil
	}

	for index, body := range operation.Body {
		if isMove(body) {
			source, err := resolve(body)
			if err != nil {
				return nil, err
			}
			nodes[index] = source
			moves = append(moves, pendingMove{source: source})
			continue
		}
		literal := Dedent(body.Copy())
		for _, placeholder := range nestedMoves(literal) {
			source, err := resolve(placeholder)
			if err != nil {
				return nil, err
			}
			moves = append(moves, pendingMove{placeholder: placeholder, source: source})
		}
		nodes[index] = literal
	}

	for _, move := range moves {
		if parent := move.source.Parent(); parent != nil {
			parent.RemoveChild(move.source)
		}
	}
	for _, move := range moves {
		if move.placeholder == nil {
			continue
		}
		parent := move.placeholder.Parent()
		index := move.placeholder.Index()
		parent.RemoveChildAt(index)
		parent.InsertChildAt(index, move.source)
	}
	return nodes, nil
}

func nestedMoves(element *etree.Element) []*etree.Element {
	placeholders := make([]*etree.Element, 0)
	for _, child := range element.ChildElements() {
		if isMove(child) {
			placeholders = append(placeholders, child)
			continue
		}
		placeholders = append(placeholders, nestedMoves(child)...)
	}
	return placeholders
}

// setTextSegment replaces the text run inside target (before its first
// element child), before target, or after target.
func setTextSegment(target *etree.Element, position Position, text string) error {
	owner := target
	start := 0
	switch position {
	case PositionInside:
	case PositionBefore, PositionAfter:
		owner = target.Parent()
		if owner == nil || owner.Parent() == nil {
			return fmt.Errorf("%w: no text segment beside the document root", ErrInvalidOperation)
		}
		start = target.Index()
		if position == PositionAfter {
			start++
		} else {
			for start > 0 {
				if _, isText := owner.Child[start-1].(*etree.CharData); !isText {
					break
				}
				start--
			}
		}
	default:
		return fmt.Errorf("%w: text segment cannot use position %q", ErrInvalidOperation, position)
	}

	for start < len(owner.Child) {
		if _, isText := owner.Child[start].(*etree.CharData); !isText {
			break
		}
		owner.RemoveChildAt(start)
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		owner.InsertChildAt(start, etree.NewText(trimmed))
	}
	return nil
}
