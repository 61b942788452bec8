package analysis

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var goIdentTypes = map[string]bool{
	"identifier":         true,
	"type_identifier":    true,
	"field_identifier":   true,
	"package_identifier": true,
}

func (fa *FileAnalysis) extractGo(root *sitter.Node) {
	fa.walkGo(root, "")
}

func (fa *FileAnalysis) walkGo(node *sitter.Node, container string) {
	switch node.Type() {
	case "import_declaration":
		fa.collectGoImports(node)
		// Identifiers inside the import block are the imports themselves,
		// not usages.
		return

	case "function_declaration":
		if name := node.ChildByFieldName("name"); name != nil {
			fa.Functions = append(fa.Functions, Function{
				Name:      fa.text(name),
				StartLine: int(node.StartPoint().Row),
				EndLine:   int(node.EndPoint().Row),
				NameLine:  int(name.StartPoint().Row),
				NameCol:   int(name.StartPoint().Column),
			})
		}

	case "method_declaration":
		if name := node.ChildByFieldName("name"); name != nil {
			fa.Functions = append(fa.Functions, Function{
				Name:      fa.text(name),
				Container: fa.goReceiverType(node.ChildByFieldName("receiver")),
				StartLine: int(node.StartPoint().Row),
				EndLine:   int(node.EndPoint().Row),
				NameLine:  int(name.StartPoint().Row),
				NameCol:   int(name.StartPoint().Column),
			})
		}

	case "type_spec":
		fa.collectGoType(node)

	default:
		if goIdentTypes[node.Type()] {
			fa.countIdent(node)
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child != nil {
			fa.walkGo(child, container)
		}
	}
}

// goReceiverType extracts the receiver's base type name, stripping pointers
// and type parameters.
func (fa *FileAnalysis) goReceiverType(receiver *sitter.Node) string {
	if receiver == nil {
		return ""
	}
	typ := fa.findFirst(receiver, "type_identifier")
	if typ == nil {
		return ""
	}
	return fa.text(typ)
}

func (fa *FileAnalysis) collectGoType(spec *sitter.Node) {
	name := spec.ChildByFieldName("name")
	typ := spec.ChildByFieldName("type")
	if name == nil || typ == nil {
		return
	}

	switch typ.Type() {
	case "struct_type", "interface_type":
		class := Class{
			Name:      fa.text(name),
			StartLine: int(spec.StartPoint().Row),
			EndLine:   int(spec.EndPoint().Row),
		}
		// Embedded fields and embedded interfaces act as bases.
		for i := 0; i < int(typ.ChildCount()); i++ {
			class.Bases = append(class.Bases, fa.goEmbedded(typ.Child(i))...)
		}
		fa.Classes = append(fa.Classes, class)
	}
}

// goEmbedded collects embedded type names from a struct field list or
// interface body.
func (fa *FileAnalysis) goEmbedded(body *sitter.Node) []string {
	if body == nil {
		return nil
	}
	var bases []string
	for i := 0; i < int(body.ChildCount()); i++ {
		child := body.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "field_declaration":
			// An embedded field has a type but no field names.
			if child.ChildByFieldName("name") == nil {
				if typ := child.ChildByFieldName("type"); typ != nil {
					bases = append(bases, strings.TrimPrefix(fa.text(typ), "*"))
				}
			}
		case "type_identifier", "qualified_type":
			bases = append(bases, fa.text(child))
		}
	}
	return bases
}

func (fa *FileAnalysis) collectGoImports(decl *sitter.Node) {
	var specs []*sitter.Node
	fa.findAll(decl, "import_spec", &specs)

	for _, spec := range specs {
		im := Import{Line: int(spec.StartPoint().Row)}
		if path := spec.ChildByFieldName("path"); path != nil {
			im.Path = strings.Trim(fa.text(path), `"`)
		}
		if name := spec.ChildByFieldName("name"); name != nil {
			im.Alias = fa.text(name)
		}
		fa.Imports = append(fa.Imports, im)
	}
}

// findFirst returns the first descendant of the given type, depth-first.
func (fa *FileAnalysis) findFirst(node *sitter.Node, nodeType string) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.Type() == nodeType {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := fa.findFirst(node.Child(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}

// findAll appends every descendant of the given type, depth-first.
func (fa *FileAnalysis) findAll(node *sitter.Node, nodeType string, out *[]*sitter.Node) {
	if node == nil {
		return
	}
	if node.Type() == nodeType {
		*out = append(*out, node)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		fa.findAll(node.Child(i), nodeType, out)
	}
}
