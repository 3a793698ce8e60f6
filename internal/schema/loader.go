package schema

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"github.com/bufbuild/protocompile/reporter"
	"go.uber.org/zap"

	"github.com/wudi/grpcmock/internal/logging"
)

// FileReport records the load outcome of one discovered proto file.
type FileReport struct {
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Report lists every top-level proto file as loaded or skipped.
type Report struct {
	Files []FileReport `json:"files"`
}

// Loaded returns the paths of successfully loaded files.
func (r *Report) Loaded() []string {
	var out []string
	for _, f := range r.Files {
		if f.Loaded {
			out = append(out, f.Path)
		}
	}
	return out
}

// Skipped returns the reports of files that failed to load.
func (r *Report) Skipped() []FileReport {
	var out []FileReport
	for _, f := range r.Files {
		if !f.Loaded {
			out = append(out, f)
		}
	}
	return out
}

// Load parses every top-level .proto file under protoDir and builds the
// type registry. Parsing errors are per-file: a malformed file is skipped,
// never fatal. An empty or missing directory yields a valid empty
// registry.
//
// Imports resolve against (a) absolute paths, (b) the importing file's
// directory (every directory under protoDir is an import root), and
// (c) the proto root itself. Files whose imports cannot be resolved are
// skipped.
func Load(ctx context.Context, protoDir string) (*Registry, *Report) {
	reg := newRegistry()
	report := &Report{}

	topLevel, roots := discover(protoDir)
	if len(topLevel) == 0 {
		return reg, report
	}

	compiler := newCompiler(roots)

	// Bulk parse first; the common case is a consistent proto set.
	files, err := compile(ctx, compiler, topLevel)
	if err == nil {
		for _, f := range files {
			reg.addFileOnce(f)
		}
		for _, name := range topLevel {
			report.Files = append(report.Files, FileReport{Path: name, Loaded: true})
		}
		return reg, report
	}

	logging.Debug("bulk proto parse failed, falling back to per-file parse", zap.Error(err))

	// Fall back to parsing each top-level file independently so one bad
	// file cannot poison the rest.
	for _, name := range topLevel {
		files, ferr := compile(ctx, newCompiler(roots), []string{name})
		if ferr != nil {
			report.Files = append(report.Files, FileReport{Path: name, Error: ferr.Error()})
			logging.Warn("skipping proto file", zap.String("file", name), zap.Error(ferr))
			continue
		}
		for _, f := range files {
			reg.addFileOnce(f)
		}
		report.Files = append(report.Files, FileReport{Path: name, Loaded: true})
	}
	return reg, report
}

// discover returns the top-level proto file names (relative to protoDir)
// and the set of import roots: protoDir plus every subdirectory that
// contains a proto file.
func discover(protoDir string) (topLevel []string, roots []string) {
	abs, err := filepath.Abs(protoDir)
	if err != nil {
		return nil, nil
	}
	rootSet := map[string]bool{abs: true}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".proto") {
			topLevel = append(topLevel, e.Name())
		}
	}

	filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".proto") {
			rootSet[filepath.Dir(path)] = true
		}
		return nil
	})

	for r := range rootSet {
		roots = append(roots, r)
	}
	sort.Strings(roots)
	sort.Strings(topLevel)
	return topLevel, roots
}

func newCompiler(roots []string) *protocompile.Compiler {
	resolver := &protocompile.SourceResolver{
		ImportPaths: roots,
		Accessor:    accessor,
	}
	return &protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(resolver),
		Reporter: reporter.NewReporter(
			func(e reporter.ErrorWithPos) error { return e },
			func(w reporter.ErrorWithPos) {
				logging.Debug("proto parse warning", zap.String("warning", w.Error()))
			},
		),
	}
}

// accessor opens proto sources, accepting absolute import paths as-is.
func accessor(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func compile(ctx context.Context, c *protocompile.Compiler, names []string) (linker.Files, error) {
	return c.Compile(ctx, names...)
}

// addFileOnce registers a compiled file and its imports, skipping files
// already present (per-file fallback compiles shared imports repeatedly).
func (r *Registry) addFileOnce(fd linker.File) {
	seen := make(map[string]bool, len(r.files))
	for _, f := range r.files {
		seen[f.Path()] = true
	}
	var add func(f linker.File)
	add = func(f linker.File) {
		if seen[f.Path()] {
			return
		}
		seen[f.Path()] = true
		// Well-known descriptor plumbing carries no servable types.
		if !strings.HasPrefix(f.Path(), "google/protobuf/") {
			r.addFile(f)
		}
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			if dep := f.FindImportByPath(imports.Get(i).Path()); dep != nil {
				add(dep)
			}
		}
	}
	add(fd)
}
