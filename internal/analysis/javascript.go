package analysis

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var jsIdentTypes = map[string]bool{
	"identifier":                    true,
	"property_identifier":           true,
	"type_identifier":               true,
	"shorthand_property_identifier": true,
}

// extractJS handles javascript, typescript, and the react dialects; the
// grammars differ but share the node types walked here.
func (fa *FileAnalysis) extractJS(root *sitter.Node) {
	fa.walkJS(root, "")
}

func (fa *FileAnalysis) walkJS(node *sitter.Node, container string) {
	switch node.Type() {
	case "import_statement":
		fa.collectJSImport(node)
		return

	case "function_declaration", "generator_function_declaration":
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

	case "method_definition":
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

	case "variable_declarator":
		// const f = () => {} and friends count as functions.
		name := node.ChildByFieldName("name")
		value := node.ChildByFieldName("value")
		if name != nil && value != nil && name.Type() == "identifier" {
			switch value.Type() {
			case "arrow_function", "function_expression", "function":
				fa.Functions = append(fa.Functions, Function{
					Name:      fa.text(name),
					Container: container,
					StartLine: int(node.StartPoint().Row),
					EndLine:   int(node.EndPoint().Row),
					NameLine:  int(name.StartPoint().Row),
					NameCol:   int(name.StartPoint().Column),
				})
			}
		}

	case "class_declaration", "class":
		name := node.ChildByFieldName("name")
		if name == nil {
			break
		}
		class := Class{
			Name:      fa.text(name),
			StartLine: int(node.StartPoint().Row),
			EndLine:   int(node.EndPoint().Row),
		}
		if heritage := fa.findFirst(node, "class_heritage"); heritage != nil {
			raw := strings.TrimSpace(strings.TrimPrefix(fa.text(heritage), "extends"))
			if raw != "" {
				class.Bases = append(class.Bases, strings.TrimSpace(strings.Split(raw, "implements")[0]))
			}
		}
		fa.Classes = append(fa.Classes, class)

		if body := node.ChildByFieldName("body"); body != nil {
			fa.walkJS(body, class.Name)
		}
		return

	default:
		if jsIdentTypes[node.Type()] {
			fa.countIdent(node)
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child != nil {
			fa.walkJS(child, container)
		}
	}
}

// collectJSImport handles default, named, namespace, and side-effect
// imports.
func (fa *FileAnalysis) collectJSImport(node *sitter.Node) {
	im := Import{Line: int(node.StartPoint().Row)}
	if source := node.ChildByFieldName("source"); source != nil {
		im.Path = strings.Trim(fa.text(source), "'\"`")
	}

	if clause := fa.findFirst(node, "import_clause"); clause != nil {
		for i := 0; i < int(clause.ChildCount()); i++ {
			child := clause.Child(i)
			if child == nil {
				continue
			}
			switch child.Type() {
			case "identifier":
				im.Names = append(im.Names, fa.text(child))
			case "namespace_import":
				if ident := fa.findFirst(child, "identifier"); ident != nil {
					im.Alias = fa.text(ident)
				}
			case "named_imports":
				var specs []*sitter.Node
				fa.findAll(child, "import_specifier", &specs)
				for _, spec := range specs {
					if alias := spec.ChildByFieldName("alias"); alias != nil {
						im.Names = append(im.Names, fa.text(alias))
					} else if name := spec.ChildByFieldName("name"); name != nil {
						im.Names = append(im.Names, fa.text(name))
					}
				}
			}
		}
	}

	// Side-effect imports bind nothing and are always considered used.
	if im.Alias == "" && len(im.Names) == 0 {
		im.Names = []string{"*"}
	}
	fa.Imports = append(fa.Imports, im)
}
