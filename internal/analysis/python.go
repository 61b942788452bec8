package analysis

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

func (fa *FileAnalysis) extractPython(root *sitter.Node) {
	fa.walkPython(root, "")
}

func (fa *FileAnalysis) walkPython(node *sitter.Node, container string) {
	switch node.Type() {
	case "import_statement":
		fa.collectPythonImport(node)
		return

	case "import_from_statement":
		fa.collectPythonFromImport(node)
		return

	case "function_definition":
		if name := node.ChildByFieldName("name"); name != nil {
			fa.Functions = append(fa.Functions, Function{
				Name:      fa.text(name),
				Container: container,
				StartLine: int(node.StartPoint().Row),
				EndLine:   int(node.EndPoint().Row),
				NameLine:  int(name.StartPoint().Row),
				NameCol:   int(name.StartPoint().Column),
			})
		}
		// Nested defs keep the method's class as container; python scoping
		// for the purposes of labeling references does not go deeper.

	case "class_definition":
		name := node.ChildByFieldName("name")
		if name == nil {
			break
		}
		class := Class{
			Name:      fa.text(name),
			StartLine: int(node.StartPoint().Row),
			EndLine:   int(node.EndPoint().Row),
		}
		if supers := node.ChildByFieldName("superclasses"); supers != nil {
			for i := 0; i < int(supers.ChildCount()); i++ {
				child := supers.Child(i)
				if child == nil {
					continue
				}
				switch child.Type() {
				case "identifier", "attribute":
					class.Bases = append(class.Bases, fa.text(child))
				}
			}
		}
		fa.Classes = append(fa.Classes, class)

		// Descend with the class as container so methods get labeled.
		if body := node.ChildByFieldName("body"); body != nil {
			fa.walkPython(body, class.Name)
		}
		if supers := node.ChildByFieldName("superclasses"); supers != nil {
			fa.walkPython(supers, container)
		}
		return

	case "identifier":
		fa.countIdent(node)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child != nil {
			fa.walkPython(child, container)
		}
	}
}

// collectPythonImport handles "import a.b, c as d".
func (fa *FileAnalysis) collectPythonImport(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			path := fa.text(child)
			fa.Imports = append(fa.Imports, Import{
				Path:  path,
				Names: []string{firstSegment(path)},
				Line:  int(node.StartPoint().Row),
			})
		case "aliased_import":
			im := Import{Line: int(node.StartPoint().Row)}
			if name := child.ChildByFieldName("name"); name != nil {
				im.Path = fa.text(name)
			}
			if alias := child.ChildByFieldName("alias"); alias != nil {
				im.Alias = fa.text(alias)
			}
			fa.Imports = append(fa.Imports, im)
		}
	}
}

// collectPythonFromImport handles "from a.b import c, d as e" and the
// wildcard form.
func (fa *FileAnalysis) collectPythonFromImport(node *sitter.Node) {
	im := Import{Line: int(node.StartPoint().Row)}
	seenModule := true
	if module := node.ChildByFieldName("module_name"); module != nil {
		im.Path = fa.text(module)
		// A plain module appears again as the first dotted_name child;
		// relative imports ("from . import x") do not.
		seenModule = module.Type() != "dotted_name"
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			// The first dotted_name is the module itself.
			if !seenModule {
				seenModule = true
				continue
			}
			im.Names = append(im.Names, fa.text(child))
		case "aliased_import":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				im.Names = append(im.Names, fa.text(alias))
			}
		case "wildcard_import":
			im.Names = append(im.Names, "*")
		}
	}
	fa.Imports = append(fa.Imports, im)
}

func firstSegment(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
