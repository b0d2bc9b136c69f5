package xmldiff

import (
	"errors"
	"strings"
	"testing"

	"github.com/beevik/etree"
)

func mustParseElement(testContext *testing.T, raw string) *etree.Element {
	testContext.Helper()
	document, err := ParseTree(raw)
	if err != nil {
		testContext.Fatalf("parse %q: %v", raw, err)
	}
	return document.Root()
}

func mustDiff(testContext *testing.T, oldRaw, newRaw string, options Options) Program {
	testContext.Helper()
	program, err := Diff(mustParseElement(testContext, oldRaw), mustParseElement(testContext, newRaw), options)
	if err != nil {
		testContext.Fatalf("diff: %v", err)
	}
	return program
}

func mustCanonical(testContext *testing.T, element *etree.Element) string {
	testContext.Helper()
	rendered, err := Canonical(element)
	if err != nil {
		testContext.Fatalf("canonical: %v", err)
	}
	return rendered
}

// requireRoundTrip diffs oldRaw against newRaw and checks that applying the
// program, directly and through its wire format, reproduces newRaw.
func requireRoundTrip(testContext *testing.T, oldRaw, newRaw string, options Options) Program {
	testContext.Helper()
	program := mustDiff(testContext, oldRaw, newRaw, options)
	expected := mustCanonical(testContext, mustParseElement(testContext, newRaw))

	oldDocument, err := ParseTree(oldRaw)
	if err != nil {
		testContext.Fatalf("parse old: %v", err)
	}
	applied, err := Apply(oldDocument, program)
	if err != nil {
		testContext.Fatalf("apply: %v", err)
	}
	if actual := mustCanonical(testContext, applied.Root()); actual != expected {
		testContext.Fatalf("round trip mismatch\nexpected:\n%s\nactual:\n%s", expected, actual)
	}

	if program.Empty() {
		return program
	}
	patch, err := program.Marshal()
	if err != nil {
		testContext.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseProgram(patch)
	if err != nil {
		testContext.Fatalf("parse program: %v\n%s", err, patch)
	}
	reapplied, err := Apply(oldDocument, parsed)
	if err != nil {
		testContext.Fatalf("apply parsed program: %v\n%s", err, patch)
	}
	if actual := mustCanonical(testContext, reapplied.Root()); actual != expected {
		testContext.Fatalf("wire round trip mismatch\npatch:\n%s\nexpected:\n%s\nactual:\n%s", patch, expected, actual)
	}
	return program
}

func TestDiffMovesOnlyChildOffLongestIncreasingSubsequence(testContext *testing.T) {
	oldRaw := `<root diff_key="r"><a diff_key="2"/><a diff_key="3"/><a diff_key="5"/><a diff_key="6"/></root>`
	newRaw := `<root diff_key="r"><a diff_key="5"/><a diff_key="2"/><a diff_key="3"/><a diff_key="6"/></root>`

	program := requireRoundTrip(testContext, oldRaw, newRaw, Options{})
	operations := program.Operations()
	if len(operations) != 1 {
		testContext.Fatalf("expected one operation, got %d", len(operations))
	}
	operation := operations[0]
	if operation.Position != PositionBefore || operation.Expr != ".//a[@diff_key='2']" {
		testContext.Fatalf("unexpected anchor %s %q", operation.Position, operation.Expr)
	}
	if len(operation.Body) != 1 || !isMove(operation.Body[0]) {
		testContext.Fatalf("expected a single move body")
	}
	if source := operation.Body[0].SelectAttrValue(attrExpr, ""); source != ".//a[@diff_key='5']" {
		testContext.Fatalf("unexpected move source %q", source)
	}
}

func TestDiffFillsHolesInsideCreatedContainers(testContext *testing.T) {
	oldRaw := `<div diff_key="1"><section diff_key="2"><b diff_key="3">bold</b></section></div>`
	newRaw := `<div diff_key="1"><section diff_key="2"><span diff_key="4"><h1 diff_key="5"><b diff_key="3">bold</b></h1></span></section></div>`

	program := requireRoundTrip(testContext, oldRaw, newRaw, Options{})
	if len(program.Groups) != 2 {
		testContext.Fatalf("expected insert group and fill-hole group, got %d groups", len(program.Groups))
	}

	insert := program.Groups[0]
	if insert.Kind != GroupKindPatch || len(insert.Operations) != 1 {
		testContext.Fatalf("unexpected insert group %+v", insert)
	}
	body := insert.Operations[0].Body
	if len(body) != 1 || body[0].Tag != "span" {
		testContext.Fatalf("expected a span literal")
	}
	hole := body[0].FindElement("./h1/hole")
	if hole == nil || hole.SelectAttrValue(attrHoleFor, "") != "3" {
		testContext.Fatalf("expected hole for key 3 inside the h1")
	}

	fill := program.Groups[1]
	if fill.Kind != GroupKindFillHole || len(fill.Operations) != 1 {
		testContext.Fatalf("unexpected fill-hole group %+v", fill)
	}
	if fill.Operations[0].Position != PositionReplace || fill.Operations[0].Expr != ".//hole[@for='3']" {
		testContext.Fatalf("unexpected fill-hole operation %+v", fill.Operations[0])
	}
}

func TestDiffOfEqualTreesIsEmpty(testContext *testing.T) {
	oldRaw := `<form diff_key="f" string="Partner">
  <group diff_key="g">
    <field diff_key="n" name="name"/>
    text
  </group>
</form>`
	newRaw := `<form diff_key="f" string="Partner"><group diff_key="g"><field diff_key="n" name="name"/>text</group></form>`

	program := mustDiff(testContext, oldRaw, newRaw, Options{})
	if !program.Empty() {
		patch, _ := program.Marshal()
		testContext.Fatalf("expected empty program, got\n%s", patch)
	}
}

func TestDiffRoundTrips(testContext *testing.T) {
	boundaries := func(element *etree.Element) bool {
		return element.Tag == "form" || element.Tag == "field"
	}
	testCases := []struct {
		name    string
		oldRaw  string
		newRaw  string
		options Options
	}{
		{
			name:   "attribute set and removal",
			oldRaw: `<a diff_key="1" x="1" y="2"><b diff_key="2" z="3"/></a>`,
			newRaw: `<a diff_key="1" x="10" w=" "><b diff_key="2"/></a>`,
		},
		{
			name:   "reverse order",
			oldRaw: `<a diff_key="r"><i diff_key="1"/><i diff_key="2"/><i diff_key="3"/><i diff_key="4"/></a>`,
			newRaw: `<a diff_key="r"><i diff_key="4"/><i diff_key="3"/><i diff_key="2"/><i diff_key="1"/></a>`,
		},
		{
			name:   "reparent between existing parents",
			oldRaw: `<a diff_key="r"><p diff_key="p1"><i diff_key="1"/><i diff_key="2"/></p><p diff_key="p2"/></a>`,
			newRaw: `<a diff_key="r"><p diff_key="p1"><i diff_key="2"/></p><p diff_key="p2"><i diff_key="1"/></p></a>`,
		},
		{
			name:   "swap parent and child",
			oldRaw: `<a diff_key="r"><p diff_key="p"><c diff_key="c"><x diff_key="x"/></c></p></a>`,
			newRaw: `<a diff_key="r"><c diff_key="c"><p diff_key="p"/><x diff_key="x"/></c></a>`,
		},
		{
			name:   "delete subtree after rescuing a descendant",
			oldRaw: `<a diff_key="r"><p diff_key="p"><i diff_key="1"/><i diff_key="2"/></p><q diff_key="q"/></a>`,
			newRaw: `<a diff_key="r"><q diff_key="q"><i diff_key="2"/></q></a>`,
		},
		{
			name:   "insert into empty parent",
			oldRaw: `<a diff_key="r"><p diff_key="p"/></a>`,
			newRaw: `<a diff_key="r"><p diff_key="p"><n diff_key="n" class="fresh">hi</n></p></a>`,
		},
		{
			name:   "tag change keeps children",
			oldRaw: `<a diff_key="r"><p diff_key="p" class="x"><i diff_key="1"/>tail</p></a>`,
			newRaw: `<a diff_key="r"><section diff_key="p" class="y"><i diff_key="1"/>tail</section></a>`,
		},
		{
			name:   "root tag change",
			oldRaw: `<a diff_key="r"><i diff_key="1"/><i diff_key="2"/></a>`,
			newRaw: `<b diff_key="r"><i diff_key="2"/><i diff_key="1"/></b>`,
		},
		{
			name:   "text segments",
			oldRaw: `<a diff_key="r">lead<i diff_key="1">one</i>middle<i diff_key="2"/>end</a>`,
			newRaw: `<a diff_key="r">new lead<i diff_key="1">uno</i><i diff_key="2">two</i>finish</a>`,
		},
		{
			name:   "text survives moves",
			oldRaw: `<a diff_key="r"><i diff_key="1"/>after one<i diff_key="2"/>after two</a>`,
			newRaw: `<a diff_key="r"><i diff_key="2"/>after two<i diff_key="1"/>after one</a>`,
		},
		{
			name:   "nested new containers with several holes",
			oldRaw: `<a diff_key="r"><i diff_key="1"/><i diff_key="2"/><i diff_key="3"/></a>`,
			newRaw: `<a diff_key="r"><g diff_key="g"><i diff_key="3"/><h diff_key="h"><i diff_key="1"/></h></g><i diff_key="2"/></a>`,
		},
		{
			name:    "subtree boundaries",
			oldRaw:  `<form diff_key="f"><sheet diff_key="s"><field diff_key="a" name="a"><tree diff_key="t"><field diff_key="b" name="b"/><field diff_key="c" name="c"/></tree></field></sheet></form>`,
			newRaw:  `<form diff_key="f"><sheet diff_key="s"><field diff_key="a" name="a"><tree diff_key="t"><field diff_key="c" name="c" invisible="1"/><field diff_key="b" name="b"/></tree></field><field diff_key="d" name="d"/></sheet></form>`,
			options: Options{IsSubtreeBoundary: boundaries},
		},
		{
			name:    "move out of a boundary",
			oldRaw:  `<form diff_key="f"><field diff_key="a" name="a"><i diff_key="1"/></field><field diff_key="b" name="b"/></form>`,
			newRaw:  `<form diff_key="f"><field diff_key="a" name="a"/><field diff_key="b" name="b"><i diff_key="1"/></field></form>`,
			options: Options{IsSubtreeBoundary: boundaries},
		},
		{
			name:    "meta attribute hints",
			oldRaw:  `<form diff_key="f"><group diff_key="g" name="main"><field diff_key="a" name="a"/></group><field diff_key="b" name="b" class="o"/></form>`,
			newRaw:  `<form diff_key="f"><group diff_key="g" name="main"><field diff_key="b" name="b" class="o2"/><field diff_key="a" name="a"/></group></form>`,
			options: Options{MetaAttributes: []string{"class", "name"}},
		},
		{
			name:    "ignored attributes stay",
			oldRaw:  `<a diff_key="r" stamp="1"><i diff_key="1"/></a>`,
			newRaw:  `<a diff_key="r" stamp="1"><i diff_key="1" x="y"/></a>`,
			options: Options{IgnoredAttributes: []string{"stamp"}},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testContext.Run(testCase.name, func(subTest *testing.T) {
			requireRoundTrip(subTest, testCase.oldRaw, testCase.newRaw, testCase.options)
		})
	}
}

func TestDiffMoveCountMatchesLongestIncreasingSubsequence(testContext *testing.T) {
	permutations := [][]string{
		{"1", "2", "3", "4", "5", "6"},
		{"6", "5", "4", "3", "2", "1"},
		{"2", "1", "4", "3", "6", "5"},
		{"3", "4", "5", "6", "1", "2"},
		{"1", "6", "2", "5", "3", "4"},
	}
	original := permutations[0]
	positions := make(map[string]int, len(original))
	for position, key := range original {
		positions[key] = position
	}
	render := func(keys []string) string {
		var builder strings.Builder
		builder.WriteString(`<r diff_key="r">`)
		for _, key := range keys {
			builder.WriteString(`<c diff_key="` + key + `"/>`)
		}
		builder.WriteString(`</r>`)
		return builder.String()
	}

	for _, permutation := range permutations {
		sequence := make([]int, len(permutation))
		for index, key := range permutation {
			sequence[index] = positions[key]
		}
		expectedMoves := len(permutation) - len(LongestIncreasingSubsequence(sequence))
		program := requireRoundTrip(testContext, render(original), render(permutation), Options{})
		if program.MoveCount() != expectedMoves {
			testContext.Fatalf("permutation %v: expected %d moves, got %d", permutation, expectedMoves, program.MoveCount())
		}
	}
}

func TestDiffSubtreeGroupsAreScopedToBoundary(testContext *testing.T) {
	oldRaw := `<form diff_key="f"><field diff_key="a" name="a"><i diff_key="1"/><i diff_key="2"/></field></form>`
	newRaw := `<form diff_key="f"><field diff_key="a" name="a"><i diff_key="2"/><i diff_key="1"/></field></form>`
	options := Options{IsSubtreeBoundary: func(element *etree.Element) bool { return element.Tag == "field" }}

	program := requireRoundTrip(testContext, oldRaw, newRaw, options)
	if len(program.Groups) != 1 {
		testContext.Fatalf("expected one group, got %d", len(program.Groups))
	}
	if program.Groups[0].Expr != "//field[@diff_key='a']" {
		testContext.Fatalf("unexpected group expr %q", program.Groups[0].Expr)
	}
	for _, operation := range program.Groups[0].Operations {
		if !strings.HasPrefix(operation.Expr, ".") {
			testContext.Fatalf("expected a relative expression, got %q", operation.Expr)
		}
	}
}

func TestDiffAnnotatesMetaAttributes(testContext *testing.T) {
	oldRaw := `<form diff_key="f"><field diff_key="a" name="partner"/></form>`
	newRaw := `<form diff_key="f"><field diff_key="a" name="partner" readonly="1"/></form>`
	program := requireRoundTrip(testContext, oldRaw, newRaw, Options{MetaAttributes: []string{"name"}})

	operations := program.Operations()
	if len(operations) != 1 {
		testContext.Fatalf("expected one operation, got %d", len(operations))
	}
	if operations[0].Expr != ".//field[@diff_key='a'][@meta-name='partner']" {
		testContext.Fatalf("unexpected expression %q", operations[0].Expr)
	}
}

func TestDiffCallsOnNewNodeForEveryCreatedElement(testContext *testing.T) {
	oldRaw := `<a diff_key="r"><i diff_key="1"/></a>`
	newRaw := `<a diff_key="r"><g diff_key="g"><h diff_key="h"><i diff_key="1"/></h></g><n diff_key="n"/></a>`
	seen := make([]string, 0)
	options := Options{OnNewNode: func(element *etree.Element) {
		seen = append(seen, element.SelectAttrValue(DefaultKeyAttribute, ""))
		element.CreateAttr("is_new", "1")
	}}

	program := mustDiff(testContext, oldRaw, newRaw, options)
	if len(seen) != 3 {
		testContext.Fatalf("expected hook on g, h and n, got %v", seen)
	}
	oldDocument, err := ParseTree(oldRaw)
	if err != nil {
		testContext.Fatalf("parse: %v", err)
	}
	applied, err := Apply(oldDocument, program)
	if err != nil {
		testContext.Fatalf("apply: %v", err)
	}
	for _, key := range []string{"g", "h", "n"} {
		created := applied.FindElement("//*[@diff_key='" + key + "']")
		if created == nil || created.SelectAttrValue("is_new", "") != "1" {
			testContext.Fatalf("expected %s to carry is_new", key)
		}
	}
	if existing := applied.FindElement("//i[@diff_key='1']"); existing == nil || existing.SelectAttr("is_new") != nil {
		testContext.Fatalf("moved element must not be marked new")
	}
}

func TestDiffRejectsInvalidTrees(testContext *testing.T) {
	testCases := []struct {
		name     string
		oldRaw   string
		newRaw   string
		expected error
	}{
		{name: "root keys differ", oldRaw: `<a diff_key="1"/>`, newRaw: `<a diff_key="2"/>`, expected: ErrSubtreeMismatch},
		{name: "duplicate key", oldRaw: `<a diff_key="1"><b diff_key="2"/><c diff_key="2"/></a>`, newRaw: `<a diff_key="1"/>`, expected: ErrSubtreeMismatch},
		{name: "missing key", oldRaw: `<a diff_key="1"/>`, newRaw: `<a diff_key="1"><b/></a>`, expected: ErrMissingKey},
	}
	for _, testCase := range testCases {
		_, err := Diff(mustParseElement(testContext, testCase.oldRaw), mustParseElement(testContext, testCase.newRaw), Options{})
		if !errors.Is(err, testCase.expected) {
			testContext.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestDiffUsesCustomKeyAttribute(testContext *testing.T) {
	oldRaw := `<a id="r"><b id="1"/><b id="2"/></a>`
	newRaw := `<a id="r"><b id="2"/><b id="1"/></a>`
	program := requireRoundTrip(testContext, oldRaw, newRaw, Options{KeyAttribute: "id"})
	if program.MoveCount() != 1 {
		testContext.Fatalf("expected one move, got %d", program.MoveCount())
	}
}

func TestDiffStringsReturnsEmptyPatchForEqualArchs(testContext *testing.T) {
	patch, program, err := DiffStrings(`<a diff_key="r"/>`, "<a diff_key=\"r\">\n</a>", Options{})
	if err != nil {
		testContext.Fatalf("diff strings: %v", err)
	}
	if patch != "" || !program.Empty() {
		testContext.Fatalf("expected empty patch, got %q", patch)
	}
}
