package chunk

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageConfig describes how one grammar maps to chunk boundaries.
type languageConfig struct {
	name string
	lang *sitter.Language

	// boundaryTypes are top-level node types that start a new segment.
	boundaryTypes map[string]struct{}

	// memberTypes are nested node types chunked individually inside a
	// boundary node (Java method scope).
	memberTypes map[string]struct{}

	// preambleTypes are leading node types collected as the source
	// preamble (package decls, imports).
	preambleTypes map[string]struct{}
}

var (
	langOnce     sync.Once
	langByName   map[string]*languageConfig
	langByExtMap map[string]string
)

func initLanguages() {
	langByName = map[string]*languageConfig{
		"go": {
			name:          "go",
			lang:          golang.GetLanguage(),
			boundaryTypes: typeSet("function_declaration", "method_declaration", "type_declaration", "const_declaration", "var_declaration"),
			preambleTypes: typeSet("package_clause", "import_declaration"),
		},
		"javascript": {
			name:          "javascript",
			lang:          javascript.GetLanguage(),
			boundaryTypes: typeSet("function_declaration", "class_declaration", "lexical_declaration", "export_statement"),
			preambleTypes: typeSet("import_statement"),
		},
		"typescript": {
			name:          "typescript",
			lang:          typescript.GetLanguage(),
			boundaryTypes: typeSet("function_declaration", "class_declaration", "interface_declaration", "type_alias_declaration", "lexical_declaration", "export_statement"),
			preambleTypes: typeSet("import_statement"),
		},
		"tsx": {
			name:          "tsx",
			lang:          tsx.GetLanguage(),
			boundaryTypes: typeSet("function_declaration", "class_declaration", "interface_declaration", "lexical_declaration", "export_statement"),
			preambleTypes: typeSet("import_statement"),
		},
		"python": {
			name:          "python",
			lang:          python.GetLanguage(),
			boundaryTypes: typeSet("function_definition", "class_definition", "decorated_definition"),
			preambleTypes: typeSet("import_statement", "import_from_statement"),
		},
		"java": {
			name:          "java",
			lang:          java.GetLanguage(),
			boundaryTypes: typeSet("class_declaration", "interface_declaration", "enum_declaration"),
			memberTypes:   typeSet("method_declaration", "constructor_declaration"),
			preambleTypes: typeSet("package_declaration", "import_declaration"),
		},
	}
	langByExtMap = map[string]string{
		".go":   "go",
		".js":   "javascript",
		".jsx":  "javascript",
		".ts":   "typescript",
		".tsx":  "tsx",
		".py":   "python",
		".java": "java",
	}
}

func typeSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

// languageForExt returns the grammar config for a file extension.
func languageForExt(ext string) (*languageConfig, bool) {
	langOnce.Do(initLanguages)
	name, ok := langByExtMap[strings.ToLower(ext)]
	if !ok {
		return nil, false
	}
	cfg, ok := langByName[name]
	return cfg, ok
}

// languageByName returns the grammar config by language name.
func languageByName(name string) (*languageConfig, bool) {
	langOnce.Do(initLanguages)
	cfg, ok := langByName[name]
	return cfg, ok
}
