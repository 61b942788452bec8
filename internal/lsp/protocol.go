package lsp

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// DocumentURI identifies a document, typically a file:// URI.
type DocumentURI string

// Position is a zero-based line/character position. Characters count UTF-16
// code units, per the LSP base protocol.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a [start, end) span within a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// ContainsLine reports whether the range spans the given line.
func (r Range) ContainsLine(line int) bool {
	return r.Start.Line <= line && line <= r.End.Line
}

// Location is a range within a specific document.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// WorkspaceFolder identifies a workspace root sent during initialize.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// WorkspaceFolderFromPath builds a WorkspaceFolder for a filesystem path.
func WorkspaceFolderFromPath(path string) WorkspaceFolder {
	return WorkspaceFolder{
		URI:  FilePathToURI(path),
		Name: baseName(path),
	}
}

// --- Initialize Handshake ---

// InitializeParams are the parameters for the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientCapabilities advertises the subset of the protocol this client uses.
type ClientCapabilities struct {
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	Window       *WindowClientCapabilities       `json:"window,omitempty"`
}

// TextDocumentClientCapabilities covers the text-document features we consume.
type TextDocumentClientCapabilities struct {
	Synchronization    *SyncClientCapabilities        `json:"synchronization,omitempty"`
	References         *DynamicRegistration           `json:"references,omitempty"`
	Definition         *DynamicRegistration           `json:"definition,omitempty"`
	DocumentSymbol     *DocumentSymbolCapabilities    `json:"documentSymbol,omitempty"`
	PublishDiagnostics *PublishDiagnosticsCapabilities `json:"publishDiagnostics,omitempty"`
}

// SyncClientCapabilities describes document synchronization support.
type SyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// DynamicRegistration is the common single-field capability shape.
type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// DocumentSymbolCapabilities describes documentSymbol support.
type DocumentSymbolCapabilities struct {
	DynamicRegistration               bool `json:"dynamicRegistration,omitempty"`
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport,omitempty"`
}

// PublishDiagnosticsCapabilities describes diagnostics support.
type PublishDiagnosticsCapabilities struct {
	RelatedInformation bool `json:"relatedInformation,omitempty"`
	VersionSupport     bool `json:"versionSupport,omitempty"`
}

// WorkspaceClientCapabilities covers the workspace features we consume.
type WorkspaceClientCapabilities struct {
	WorkspaceFolders bool `json:"workspaceFolders,omitempty"`
	Symbol           *DynamicRegistration `json:"symbol,omitempty"`
}

// WindowClientCapabilities advertises progress reporting support.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress,omitempty"`
}

// DefaultClientCapabilities returns the capabilities codescope advertises.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization: &SyncClientCapabilities{DynamicRegistration: true, DidSave: true},
			References:      &DynamicRegistration{DynamicRegistration: true},
			Definition:      &DynamicRegistration{DynamicRegistration: true},
			DocumentSymbol: &DocumentSymbolCapabilities{
				DynamicRegistration:               true,
				HierarchicalDocumentSymbolSupport: true,
			},
			PublishDiagnostics: &PublishDiagnosticsCapabilities{
				RelatedInformation: true,
				VersionSupport:     true,
			},
		},
		Workspace: &WorkspaceClientCapabilities{
			WorkspaceFolders: true,
			Symbol:           &DynamicRegistration{DynamicRegistration: true},
		},
		Window: &WindowClientCapabilities{WorkDoneProgress: true},
	}
}

// InitializeResult is the server's response to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo names the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities is the negotiated capability set. Several capabilities
// may be a bool or an options object; use HasCapability to test them.
type ServerCapabilities struct {
	TextDocumentSync        any `json:"textDocumentSync,omitempty"`
	ReferencesProvider      any `json:"referencesProvider,omitempty"`
	DefinitionProvider      any `json:"definitionProvider,omitempty"`
	DocumentSymbolProvider  any `json:"documentSymbolProvider,omitempty"`
	WorkspaceSymbolProvider any `json:"workspaceSymbolProvider,omitempty"`
}

// HasCapability checks if a capability is enabled (can be bool or object).
func HasCapability(cap any) bool {
	if cap == nil {
		return false
	}
	switch v := cap.(type) {
	case bool:
		return v
	default:
		return true // Object means enabled with options
	}
}

// InitializedParams is the (empty) payload of the initialized notification.
type InitializedParams struct{}

// --- Document Synchronization ---

// TextDocumentItem is the full document sent with didOpen.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document at a specific version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// DidOpenTextDocumentParams are the parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent carries a document change. codescope always
// sends full-document replacements, so Range is always nil on the wire.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidChangeTextDocumentParams are the parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams are the parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// --- Requests ---

// TextDocumentPositionParams is the common document+position request shape.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams are the parameters for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls whether the declaration itself is included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DocumentSymbolParams are the parameters for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// CancelParams are the parameters for the $/cancelRequest notification.
type CancelParams struct {
	ID int64 `json:"id"`
}

// --- Symbols ---

// SymbolKind classifies a symbol per the LSP numbering.
type SymbolKind int

// Symbol kinds used by codescope. The full LSP table runs 1..26; only the
// kinds the analysis layer filters on get named constants.
const (
	SymbolKindFile          SymbolKind = 1
	SymbolKindModule        SymbolKind = 2
	SymbolKindNamespace     SymbolKind = 3
	SymbolKindPackage       SymbolKind = 4
	SymbolKindClass         SymbolKind = 5
	SymbolKindMethod        SymbolKind = 6
	SymbolKindProperty      SymbolKind = 7
	SymbolKindField         SymbolKind = 8
	SymbolKindConstructor   SymbolKind = 9
	SymbolKindEnum          SymbolKind = 10
	SymbolKindInterface     SymbolKind = 11
	SymbolKindFunction      SymbolKind = 12
	SymbolKindVariable      SymbolKind = 13
	SymbolKindConstant      SymbolKind = 14
	SymbolKindStruct        SymbolKind = 23
	SymbolKindTypeParameter SymbolKind = 26
)

var symbolKindNames = map[SymbolKind]string{
	1: "File", 2: "Module", 3: "Namespace", 4: "Package", 5: "Class",
	6: "Method", 7: "Property", 8: "Field", 9: "Constructor", 10: "Enum",
	11: "Interface", 12: "Function", 13: "Variable", 14: "Constant",
	15: "String", 16: "Number", 17: "Boolean", 18: "Array", 19: "Object",
	20: "Key", 21: "Null", 22: "EnumMember", 23: "Struct", 24: "Event",
	25: "Operator", 26: "TypeParameter",
}

// String returns the LSP name for the kind.
func (k SymbolKind) String() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// DocumentSymbol is the hierarchical symbol shape.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           SymbolKind       `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is the flat symbol shape older servers return.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	ContainerName string     `json:"containerName,omitempty"`
	Location      Location   `json:"location"`
}

// SymbolInfo is the flattened symbol representation the rest of codescope
// works with, regardless of which wire shape the server chose.
type SymbolInfo struct {
	Name      string
	Kind      SymbolKind
	Container string
	Range     Range
	Selection Range
}

// QualifiedName returns "Container.Name" when the symbol has a container.
func (s SymbolInfo) QualifiedName() string {
	if s.Container == "" {
		return s.Name
	}
	return s.Container + "." + s.Name
}

// --- Notifications Received ---

// DiagnosticSeverity grades a diagnostic.
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns a human-readable severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Diagnostic is a single issue reported by the server.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// LogMessageParams is the payload of window/logMessage.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ProgressParams is the payload of $/progress.
type ProgressParams struct {
	Token any             `json:"token"`
	Value json.RawMessage `json:"value"`
}

// --- Result Parsing ---

// ParseLocations parses a references/definition result, which may be null, a
// single Location, or an array of Locations or LocationLinks.
func ParseLocations(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || gjson.GetBytes(data, "@this").Type == gjson.Null {
		return nil, nil
	}

	root := gjson.ParseBytes(data)
	if root.IsObject() {
		var loc Location
		if err := json.Unmarshal(data, &loc); err != nil {
			return nil, fmt.Errorf("parse location: %w", err)
		}
		return []Location{loc}, nil
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("parse locations: unexpected shape %s", root.Type)
	}

	// LocationLink arrays carry targetUri/targetRange instead of uri/range.
	if first := root.Get("0"); first.Exists() && first.Get("targetUri").Exists() {
		var links []struct {
			TargetURI   DocumentURI `json:"targetUri"`
			TargetRange Range       `json:"targetSelectionRange"`
		}
		if err := json.Unmarshal(data, &links); err != nil {
			return nil, fmt.Errorf("parse location links: %w", err)
		}
		locs := make([]Location, len(links))
		for i, l := range links {
			locs[i] = Location{URI: l.TargetURI, Range: l.TargetRange}
		}
		return locs, nil
	}

	var locs []Location
	if err := json.Unmarshal(data, &locs); err != nil {
		return nil, fmt.Errorf("parse locations: %w", err)
	}
	return locs, nil
}

// ParseSymbols parses a documentSymbol result. Servers return either a
// hierarchical DocumentSymbol array or a flat SymbolInformation array; the
// shapes are distinguished by probing the first element for selectionRange.
// Hierarchies are flattened with container names filled in from the parent.
func ParseSymbols(data json.RawMessage) ([]SymbolInfo, error) {
	if len(data) == 0 || gjson.GetBytes(data, "@this").Type == gjson.Null {
		return nil, nil
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("parse symbols: unexpected shape %s", root.Type)
	}
	if len(root.Array()) == 0 {
		return nil, nil
	}

	if root.Get("0.selectionRange").Exists() {
		var syms []DocumentSymbol
		if err := json.Unmarshal(data, &syms); err != nil {
			return nil, fmt.Errorf("parse document symbols: %w", err)
		}
		var out []SymbolInfo
		flattenSymbols(syms, "", &out)
		return out, nil
	}

	var syms []SymbolInformation
	if err := json.Unmarshal(data, &syms); err != nil {
		return nil, fmt.Errorf("parse symbol information: %w", err)
	}
	out := make([]SymbolInfo, len(syms))
	for i, s := range syms {
		out[i] = SymbolInfo{
			Name:      s.Name,
			Kind:      s.Kind,
			Container: s.ContainerName,
			Range:     s.Location.Range,
			Selection: s.Location.Range,
		}
	}
	return out, nil
}

func flattenSymbols(syms []DocumentSymbol, container string, out *[]SymbolInfo) {
	for _, s := range syms {
		*out = append(*out, SymbolInfo{
			Name:      s.Name,
			Kind:      s.Kind,
			Container: container,
			Range:     s.Range,
			Selection: s.SelectionRange,
		})
		if len(s.Children) > 0 {
			flattenSymbols(s.Children, s.Name, out)
		}
	}
}

// EnclosingSymbol returns the innermost function, method, or class symbol
// whose range spans the given line, or nil if none does.
func EnclosingSymbol(symbols []SymbolInfo, line int) *SymbolInfo {
	var found *SymbolInfo
	for i := range symbols {
		s := &symbols[i]
		switch s.Kind {
		case SymbolKindClass, SymbolKindMethod, SymbolKindFunction:
			if !s.Range.ContainsLine(line) {
				continue
			}
			// Prefer the narrowest enclosing range.
			if found == nil || rangeWidth(s.Range) < rangeWidth(found.Range) {
				found = s
			}
		}
	}
	return found
}

func rangeWidth(r Range) int {
	return r.End.Line - r.Start.Line
}
