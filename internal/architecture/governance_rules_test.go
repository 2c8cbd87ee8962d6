package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "delta-append"

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

var architectureRules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden: []string{
			modulePath + "/internal",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/config",
		forbidden: []string{
			modulePath + "/internal",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "config is a leaf package",
	},
	{
		sourcePrefix: modulePath + "/internal/storage",
		forbidden: []string{
			modulePath + "/internal/datafile",
			modulePath + "/internal/deltalog",
			modulePath + "/internal/writer",
			modulePath + "/internal/service",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "storage should depend on domain and config only",
	},
	{
		sourcePrefix: modulePath + "/internal/datafile",
		forbidden: []string{
			modulePath + "/internal/config",
			modulePath + "/internal/storage",
			modulePath + "/internal/deltalog",
			modulePath + "/internal/writer",
			modulePath + "/internal/service",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "datafile encodes batches and never touches storage",
	},
	{
		sourcePrefix: modulePath + "/internal/deltalog",
		forbidden: []string{
			modulePath + "/internal/config",
			modulePath + "/internal/writer",
			modulePath + "/internal/service",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "deltalog reads through the ObjectStore port",
	},
	{
		sourcePrefix: modulePath + "/internal/writer",
		forbidden: []string{
			modulePath + "/internal/service",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "writer should depend on deltalog, datafile, and domain",
	},
	{
		sourcePrefix: modulePath + "/internal/service",
		forbidden: []string{
			modulePath + "/internal/storage",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "service receives its reader and writer from the caller",
	},
}

func collectGoFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func repoRootDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func internalRootDir() string {
	return filepath.Join(repoRootDir(), "internal")
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range architectureRules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

func matchingForbiddenPrefix(importPath string, forbidden []string) string {
	for _, prefix := range forbidden {
		if hasPathPrefix(importPath, prefix) {
			return prefix
		}
	}
	return ""
}

func hasPathPrefix(value string, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}

func packageImportPath(file string) string {
	path := filepath.ToSlash(file)
	idx := strings.Index(path, "/internal/")
	if idx >= 0 {
		return modulePath + filepath.ToSlash(filepath.Dir(path[idx:]))
	}
	return modulePath + "/" + filepath.ToSlash(filepath.Dir(path))
}

func isTestFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "_test.go")
}

func parseImports(t *testing.T, file string) []string {
	t.Helper()

	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
	require.NoErrorf(t, err, "parse imports for %s", file)

	imports := make([]string, 0, len(parsed.Imports))
	for _, imp := range parsed.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, "\""))
	}
	return imports
}

func relToRepoRoot(path string) string {
	rel, err := filepath.Rel(repoRootDir(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
