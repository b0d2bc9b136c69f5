package xmldiff

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Options configures Diff.
type Options struct {
	// KeyAttribute names the identity attribute; DefaultKeyAttribute when empty.
	KeyAttribute string
	// IgnoredAttributes are never emitted as attribute changes. The key
	// attribute is always ignored.
	IgnoredAttributes []string
	// IsSubtreeBoundary flags elements whose descendants are patched in their
	// own group, addressed relative to the boundary.
	IsSubtreeBoundary func(element *etree.Element) bool
	// MetaAttributes are copied into expressions as [@meta-<name>='…'] hints.
	MetaAttributes []string
	// OnNewNode is called for every element the program creates.
	OnNewNode func(element *etree.Element)
}

func (options Options) keyAttribute() string {
	if strings.TrimSpace(options.KeyAttribute) == "" {
		return DefaultKeyAttribute
	}
	return options.KeyAttribute
}

// Diff returns a patch program turning oldTree into newTree. Both roots must
// carry the same key and every element must be keyed. Inputs are not modified.
//
// The program is produced by replaying every emitted operation on a working
// copy of oldTree, so each operation is addressed against the exact tree the
// applier will see. Phases run in order: retagged keys, attributes, child
// alignment (longest increasing subsequence of current positions stays, the
// rest moves or is inserted with holes), deletions, text segments.
func Diff(oldTree, newTree *etree.Element, options Options) (Program, error) {
	if oldTree == nil || newTree == nil {
		return Program{}, fmt.Errorf("%w: both trees are required", ErrSubtreeMismatch)
	}

	keyAttribute := options.keyAttribute()
	working := etree.NewDocument()
	working.SetRoot(Dedent(oldTree.Copy()))
	targetDocument := etree.NewDocument()
	targetDocument.SetRoot(Dedent(newTree.Copy()))

	oldIndex, oldOrder, err := indexKeys(working.Root(), keyAttribute)
	if err != nil {
		return Program{}, err
	}
	targetIndex, targetOrder, err := indexKeys(targetDocument.Root(), keyAttribute)
	if err != nil {
		return Program{}, err
	}
	oldRootKey, _ := keyOf(working.Root(), keyAttribute)
	newRootKey, _ := keyOf(targetDocument.Root(), keyAttribute)
	if oldRootKey != newRootKey {
		return Program{}, fmt.Errorf("%w: root keys %q and %q differ", ErrSubtreeMismatch, oldRootKey, newRootKey)
	}
	for _, keys := range [][]string{oldOrder, targetOrder} {
		for _, key := range keys {
			if strings.Contains(key, "'") && strings.Contains(key, `"`) {
				return Program{}, fmt.Errorf("%w: key %q cannot be quoted", ErrSubtreeMismatch, key)
			}
		}
	}

	ignored := map[string]struct{}{keyAttribute: {}}
	for _, name := range options.IgnoredAttributes {
		ignored[name] = struct{}{}
	}
	oldKeys := make(map[string]struct{}, len(oldIndex))
	for key := range oldIndex {
		oldKeys[key] = struct{}{}
	}

	state := &differ{
		options:      options,
		keyAttribute: keyAttribute,
		ignored:      ignored,
		working:      working,
		oldKeys:      oldKeys,
		oldOrder:     oldOrder,
		targetIndex:  targetIndex,
		targetOrder:  targetOrder,
	}
	state.reindex()

	phases := []func() error{
		state.replaceRetagged,
		state.diffAttributes,
		state.alignChildren,
		state.removeDeleted,
		state.syncText,
	}
	for _, phase := range phases {
		if err := phase(); err != nil {
			return Program{}, err
		}
	}
	return Program{Groups: state.groups}, nil
}

// DiffStrings parses both archs and returns the wire-format patch.
func DiffStrings(oldArch, newArch string, options Options) (string, Program, error) {
	oldDocument, err := ParseTree(oldArch)
	if err != nil {
		return "", Program{}, err
	}
	newDocument, err := ParseTree(newArch)
	if err != nil {
		return "", Program{}, err
	}
	program, err := Diff(oldDocument.Root(), newDocument.Root(), options)
	if err != nil {
		return "", Program{}, err
	}
	if program.Empty() {
		return "", program, nil
	}
	patch, err := program.Marshal()
	if err != nil {
		return "", Program{}, err
	}
	return patch, program, nil
}

type differ struct {
	options      Options
	keyAttribute string
	ignored      map[string]struct{}

	working      *etree.Document
	workingIndex map[string]*etree.Element
	oldKeys      map[string]struct{}
	oldOrder     []string

	targetIndex map[string]keyedNode
	targetOrder []string

	groups []Group
}

func (state *differ) replaceRetagged() error {
	for _, key := range state.oldOrder {
		desired, kept := state.targetIndex[key]
		if !kept {
			continue
		}
		current := state.workingIndex[key]
		if current.FullTag() == desired.element.FullTag() {
			continue
		}
		err := state.emit(current, GroupKindPatch, func(scope *etree.Element) Operation {
			replacement := etree.NewElement(desired.element.FullTag())
			for _, attribute := range desired.element.Attr {
				replacement.CreateAttr(attribute.FullKey(), attribute.Value)
			}
			for _, child := range current.ChildElements() {
				replacement.AddChild(moveElement(state.sourceExpr(scope, child)))
			}
			return Operation{
				Expr:     state.relativeExpr(scope, current),
				Position: PositionReplace,
				Body:     []*etree.Element{replacement},
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (state *differ) diffAttributes() error {
	for _, key := range state.targetOrder {
		if _, paired := state.oldKeys[key]; !paired {
			continue
		}
		current := state.workingIndex[key]
		changes := DiffDicts(attributeMap(current), attributeMap(state.targetIndex[key].element), state.ignored)
		if len(changes) == 0 {
			continue
		}
		err := state.emit(current, GroupKindPatch, func(scope *etree.Element) Operation {
			return Operation{
				Expr:       state.relativeExpr(scope, current),
				Position:   PositionAttributes,
				Attributes: changes,
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (state *differ) alignChildren() error {
	for _, key := range state.targetOrder {
		if _, paired := state.oldKeys[key]; !paired {
			continue
		}
		if err := state.align(state.workingIndex[key], state.targetIndex[key].element); err != nil {
			return err
		}
	}
	return nil
}

// align orders parent's children like desiredParent's. Children already under
// parent whose current positions form the longest increasing subsequence stay;
// every other child is moved or inserted left to right after its predecessor.
func (state *differ) align(parent *etree.Element, desiredParent *etree.Element) error {
	desired := desiredParent.ChildElements()
	if len(desired) == 0 {
		return nil
	}

	positions := make(map[string]int)
	for position, child := range parent.ChildElements() {
		if key, ok := keyOf(child, state.keyAttribute); ok {
			positions[key] = position
		}
	}
	sequence := make([]int, 0, len(desired))
	sequenceKeys := make([]string, 0, len(desired))
	for _, child := range desired {
		key := state.mustKey(child)
		if position, present := positions[key]; present {
			sequence = append(sequence, position)
			sequenceKeys = append(sequenceKeys, key)
		}
	}
	stable := make(map[string]struct{}, len(sequence))
	for _, index := range LongestIncreasingSubsequence(sequence) {
		stable[sequenceKeys[index]] = struct{}{}
	}

	for index, child := range desired {
		key := state.mustKey(child)
		if _, keep := stable[key]; keep {
			continue
		}
		anchor, position := state.anchorFor(parent, desired, index)

		if _, paired := state.oldKeys[key]; paired {
			moving := state.workingIndex[key]
			if moving == anchor {
				continue
			}
			err := state.emit(anchor, GroupKindPatch, func(scope *etree.Element) Operation {
				return Operation{
					Expr:     state.relativeExpr(scope, anchor),
					Position: position,
					Body:     []*etree.Element{moveElement(state.sourceExpr(scope, moving))},
				}
			})
			if err != nil {
				return err
			}
			continue
		}

		holes := make([]string, 0)
		literal := state.literal(child, &holes)
		err := state.emit(anchor, GroupKindPatch, func(scope *etree.Element) Operation {
			return Operation{
				Expr:     state.relativeExpr(scope, anchor),
				Position: position,
				Body:     []*etree.Element{literal},
			}
		})
		if err != nil {
			return err
		}
		if err := state.fillHoles(holes); err != nil {
			return err
		}
	}
	return nil
}

func (state *differ) anchorFor(parent *etree.Element, desired []*etree.Element, index int) (*etree.Element, Position) {
	if index > 0 {
		return state.workingIndex[state.mustKey(desired[index-1])], PositionAfter
	}
	if children := parent.ChildElements(); len(children) > 0 {
		return children[0], PositionBefore
	}
	return parent, PositionInside
}

func (state *differ) fillHoles(keys []string) error {
	for _, key := range keys {
		hole, err := findOne(state.working.Root(), "//"+holeStep(key))
		if err != nil {
			return err
		}
		moving := state.workingIndex[key]
		err = state.emit(hole, GroupKindFillHole, func(scope *etree.Element) Operation {
			return Operation{
				Expr:     ".//" + holeStep(key),
				Position: PositionReplace,
				Body:     []*etree.Element{moveElement(state.sourceExpr(scope, moving))},
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// literal copies a new subtree; descendants that already exist become holes.
func (state *differ) literal(source *etree.Element, holes *[]string) *etree.Element {
	element := etree.NewElement(source.FullTag())
	for _, attribute := range source.Attr {
		element.CreateAttr(attribute.FullKey(), attribute.Value)
	}
	for _, token := range source.Child {
		switch typed := token.(type) {
		case *etree.CharData:
			element.CreateText(typed.Data)
		case *etree.Element:
			key := state.mustKey(typed)
			if _, paired := state.oldKeys[key]; paired {
				element.AddChild(holeElement(key))
				*holes = append(*holes, key)
				continue
			}
			element.AddChild(state.literal(typed, holes))
		}
	}
	if state.options.OnNewNode != nil {
		state.options.OnNewNode(element)
	}
	return element
}

func (state *differ) removeDeleted() error {
	var walk func(element *etree.Element) error
	walk = func(element *etree.Element) error {
		key, ok := keyOf(element, state.keyAttribute)
		if !ok {
			return nil
		}
		if _, kept := state.targetIndex[key]; !kept {
			return state.emit(element, GroupKindPatch, func(scope *etree.Element) Operation {
				return Operation{Expr: state.relativeExpr(scope, element), Position: PositionReplace}
			})
		}
		for _, child := range element.ChildElements() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(state.working.Root())
}

func (state *differ) syncText() error {
	for _, key := range state.targetOrder {
		desired := state.targetIndex[key].element
		current := state.workingIndex[key]
		desiredChildren := desired.ChildElements()

		if len(desiredChildren) == 0 {
			if text := leadingText(desired); text != leadingText(current) {
				if err := state.emitText(current, PositionInside, text); err != nil {
					return err
				}
			}
			continue
		}

		if text := leadingText(desired); text != leadingText(current) {
			first := state.workingIndex[state.mustKey(desiredChildren[0])]
			if err := state.emitText(first, PositionBefore, text); err != nil {
				return err
			}
		}
		for _, child := range desiredChildren {
			currentChild := state.workingIndex[state.mustKey(child)]
			if text := tailText(child); text != tailText(currentChild) {
				if err := state.emitText(currentChild, PositionAfter, text); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (state *differ) emitText(target *etree.Element, position Position, text string) error {
	return state.emit(target, GroupKindPatch, func(scope *etree.Element) Operation {
		return Operation{
			Expr:        state.relativeExpr(scope, target),
			Position:    position,
			TextSegment: true,
			Text:        text,
		}
	})
}

// emit records the operation in the group of target's scope and replays it on
// the working tree.
func (state *differ) emit(target *etree.Element, kind GroupKind, build func(scope *etree.Element) Operation) error {
	scope := state.scopeOf(target)
	operation := build(scope)
	groupExpr := ""
	if scope != state.working.Root() {
		groupExpr = "//" + state.step(scope)
	}

	if err := applyOperation(state.working, scope, operation); err != nil {
		return fmt.Errorf("replaying %s on %q: %w", operation.Position, operation.Expr, err)
	}
	state.reindex()

	last := len(state.groups) - 1
	if last >= 0 && state.groups[last].Expr == groupExpr && state.groups[last].Kind == kind {
		state.groups[last].Operations = append(state.groups[last].Operations, operation)
		return nil
	}
	state.groups = append(state.groups, Group{Expr: groupExpr, Kind: kind, Operations: []Operation{operation}})
	return nil
}

// scopeOf returns the nearest keyed subtree boundary strictly above element,
// or the document root.
func (state *differ) scopeOf(element *etree.Element) *etree.Element {
	root := state.working.Root()
	if element == root || state.options.IsSubtreeBoundary == nil {
		return root
	}
	for parent := element.Parent(); parent != nil && parent != root; parent = parent.Parent() {
		if _, keyed := keyOf(parent, state.keyAttribute); keyed && state.options.IsSubtreeBoundary(parent) {
			return parent
		}
	}
	return root
}

func (state *differ) relativeExpr(scope *etree.Element, element *etree.Element) string {
	if element == scope {
		return "."
	}
	return ".//" + state.step(element)
}

func (state *differ) sourceExpr(scope *etree.Element, element *etree.Element) string {
	if element != scope && isAncestorOrSelf(scope, element) {
		return ".//" + state.step(element)
	}
	return "//" + state.step(element)
}

func (state *differ) step(element *etree.Element) string {
	key, _ := keyOf(element, state.keyAttribute)
	var builder strings.Builder
	builder.WriteString(element.FullTag())
	builder.WriteString("[@")
	builder.WriteString(state.keyAttribute)
	builder.WriteString("=")
	builder.WriteString(quoteLiteral(key))
	builder.WriteString("]")
	for _, name := range state.options.MetaAttributes {
		attribute := element.SelectAttr(name)
		if attribute == nil || (strings.Contains(attribute.Value, "'") && strings.Contains(attribute.Value, `"`)) {
			continue
		}
		builder.WriteString("[@")
		builder.WriteString(metaAttrPrefix)
		builder.WriteString(name)
		builder.WriteString("=")
		builder.WriteString(quoteLiteral(attribute.Value))
		builder.WriteString("]")
	}
	return builder.String()
}

func (state *differ) reindex() {
	index := make(map[string]*etree.Element)
	var walk func(element *etree.Element)
	walk = func(element *etree.Element) {
		if key, ok := keyOf(element, state.keyAttribute); ok {
			index[key] = element
		}
		for _, child := range element.ChildElements() {
			walk(child)
		}
	}
	walk(state.working.Root())
	state.workingIndex = index
}

func (state *differ) mustKey(element *etree.Element) string {
	key, _ := keyOf(element, state.keyAttribute)
	return key
}

func holeStep(key string) string {
	return tagHole + "[@" + attrHoleFor + "=" + quoteLiteral(key) + "]"
}

func quoteLiteral(value string) string {
	if strings.Contains(value, "'") {
		return `"` + value + `"`
	}
	return "'" + value + "'"
}
