package internal

import (
	"bytes"
	"go/format"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// projectRoot is the module root, whether tests run from internal/ or the root.
func projectRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "internal" {
		return filepath.Dir(wd)
	}
	return wd
}

// walkSources calls fn for every .go file under internal/ and cmd/.
func walkSources(t *testing.T, root string, fn func(rel string, content []byte)) {
	t.Helper()
	for _, dir := range []string{"internal", "cmd"} {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "vendor" || strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			fn(rel, content)
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to walk directory %s: %v", dir, err)
		}
	}
}

// TestGofmtCompliance fails on any source file gofmt would rewrite.
// Fix with: gofmt -w ./internal/ ./cmd/
func TestGofmtCompliance(t *testing.T) {
	var unformatted []string
	walkSources(t, projectRoot(t), func(rel string, content []byte) {
		formatted, err := format.Source(content)
		if err != nil {
			return
		}
		if !bytes.Equal(content, formatted) {
			unformatted = append(unformatted, rel)
		}
	})

	for _, f := range unformatted {
		t.Errorf("not gofmt-formatted: %s", f)
	}
}

// TestLayering keeps the engine packages independent of the CLI.
func TestLayering(t *testing.T) {
	const cliPkg = "github.com/Iron-Ham/paperrepro/internal/cmd"

	walkSources(t, projectRoot(t), func(rel string, content []byte) {
		if strings.HasPrefix(rel, filepath.Join("internal", "cmd")) || strings.HasPrefix(rel, "cmd") {
			return
		}
		f, err := parser.ParseFile(token.NewFileSet(), rel, content, parser.ImportsOnly)
		if err != nil {
			t.Errorf("parse %s: %v", rel, err)
			return
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			if path == cliPkg || strings.HasPrefix(path, cliPkg+"/") {
				t.Errorf("%s imports %s", rel, path)
			}
		}
	})
}
