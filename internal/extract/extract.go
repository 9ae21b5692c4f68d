package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"

	"issuesync/internal/marker"
)

const (
	DefaultMarker  = "GitHubIssue"
	DefaultWorkers = 8
)

// ErrSyntax marks a FileError for a source file that did not parse cleanly.
// None of its markers are trusted.
var ErrSyntax = errors.New("syntax error")

var (
	DefaultExtensions = []string{".cs"}
	DefaultExclude    = []string{"bin", "obj", ".git", "node_modules"}
)

// MalformedDeclarationError reports a marker whose arguments could not be
// turned into a Declaration. Only that marker is skipped.
type MalformedDeclarationError struct {
	FilePath    string
	ElementName string
	Line        int
	Reason      string
}

func (e *MalformedDeclarationError) Error() string {
	return fmt.Sprintf("malformed declaration at %s:%d (%s): %s", e.FilePath, e.Line, e.ElementName, e.Reason)
}

// FileError reports a source file that could not be read or parsed.
type FileError struct {
	FilePath string
	Err      error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.FilePath, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// Options configures an Extractor. Zero values fall back to defaults.
type Options struct {
	Extensions []string
	Exclude    []string
	Marker     string
	Statuses   marker.StatusSet
	Workers    int
	Logger     *zerolog.Logger
}

// Result is the merged outcome of one scan.
type Result struct {
	Files        int                  `json:"files"`
	Declarations []marker.Declaration `json:"declarations"`
	Errors       []error              `json:"-"`
}

// Malformed returns the malformed-marker errors of the scan.
func (r Result) Malformed() []*MalformedDeclarationError {
	var out []*MalformedDeclarationError
	for _, err := range r.Errors {
		if m, ok := err.(*MalformedDeclarationError); ok {
			out = append(out, m)
		}
	}
	return out
}

// FailedFiles returns the files that could not be read or parsed.
func (r Result) FailedFiles() []*FileError {
	var out []*FileError
	for _, err := range r.Errors {
		if f, ok := err.(*FileError); ok {
			out = append(out, f)
		}
	}
	return out
}

// Extractor finds marker attributes in C# sources.
type Extractor struct {
	exts     map[string]struct{}
	exclude  map[string]struct{}
	marker   string
	statuses marker.StatusSet
	workers  int
	log      zerolog.Logger
}

func New(opts Options) *Extractor {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.Exclude == nil {
		opts.Exclude = DefaultExclude
	}
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	if len(opts.Statuses.Values()) == 0 {
		opts.Statuses = marker.DefaultStatusSet()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	x := &Extractor{
		exts:     make(map[string]struct{}, len(opts.Extensions)),
		exclude:  make(map[string]struct{}, len(opts.Exclude)),
		marker:   simpleAttributeName(opts.Marker),
		statuses: opts.Statuses,
		workers:  opts.Workers,
		log:      zerolog.Nop(),
	}
	if opts.Logger != nil {
		x.log = *opts.Logger
	}
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		x.exts[ext] = struct{}{}
	}
	for _, dir := range opts.Exclude {
		x.exclude[dir] = struct{}{}
	}
	return x
}

// Files enumerates the source files under root in lexical walk order, as
// slash-separated paths relative to root.
func (x *Extractor) Files(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := x.exclude[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := x.exts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

type fileResult struct {
	decls []marker.Declaration
	errs  []error
}

// Scan extracts every declaration under root. Per-file and per-marker
// failures are collected in Result.Errors; the returned error is reserved for
// an unreadable root or a cancelled context.
func (x *Extractor) Scan(ctx context.Context, root string) (Result, error) {
	files, err := x.Files(root)
	if err != nil {
		return Result{}, err
	}
	x.log.Debug().Str("root", root).Int("files", len(files)).Msg("scanning sources")

	slots := make([]fileResult, len(files))
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := x.workers
	if workers > len(files) {
		workers = len(files)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parser := newParser()
			defer parser.Close()
			for i := range jobs {
				rel := files[i]
				src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
				if err != nil {
					slots[i] = fileResult{errs: []error{&FileError{FilePath: rel, Err: err}}}
					continue
				}
				decls, errs := x.extract(ctx, parser, rel, src)
				slots[i] = fileResult{decls: decls, errs: errs}
			}
		}()
	}
feed:
	for i := range files {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Files: len(files)}
	for _, slot := range slots {
		res.Declarations = append(res.Declarations, slot.decls...)
		res.Errors = append(res.Errors, slot.errs...)
	}
	for _, err := range res.Errors {
		x.log.Warn().Err(err).Msg("declaration skipped")
	}
	x.log.Info().Int("files", res.Files).Int("declarations", len(res.Declarations)).Int("errors", len(res.Errors)).Msg("scan complete")
	return res, nil
}

// Source extracts declarations from a single in-memory file.
func (x *Extractor) Source(ctx context.Context, relPath string, src []byte) ([]marker.Declaration, []error) {
	parser := newParser()
	defer parser.Close()
	return x.extract(ctx, parser, filepath.ToSlash(relPath), src)
}

func newParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(csharp.GetLanguage())
	return p
}

func (x *Extractor) extract(ctx context.Context, parser *sitter.Parser, rel string, src []byte) ([]marker.Declaration, []error) {
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, []error{&FileError{FilePath: rel, Err: err}}
	}
	defer tree.Close()
	root := tree.RootNode()
	if root.HasError() {
		line := int(root.StartPoint().Row) + 1
		if n := firstSyntaxError(root); n != nil {
			line = int(n.StartPoint().Row) + 1
		}
		return nil, []error{&FileError{FilePath: rel, Err: fmt.Errorf("%w at line %d", ErrSyntax, line)}}
	}
	w := walker{x: x, src: src, file: rel}
	w.walk(root, nil)
	return w.decls, w.errs
}

func firstSyntaxError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !(c.HasError() || c.IsMissing()) {
			continue
		}
		if found := firstSyntaxError(c); found != nil {
			return found
		}
	}
	return nil
}

type walker struct {
	x     *Extractor
	src   []byte
	file  string
	decls []marker.Declaration
	errs  []error
}

func isTypeDeclaration(kind string) bool {
	switch kind {
	case "class_declaration", "struct_declaration", "record_declaration",
		"record_struct_declaration", "interface_declaration":
		return true
	}
	return false
}

func (w *walker) walk(n *sitter.Node, types []string) {
	if n == nil {
		return
	}
	kind := n.Type()
	switch {
	case isTypeDeclaration(kind):
		name := w.nameOf(n)
		if name == "" {
			return
		}
		nested := append(append([]string(nil), types...), name)
		w.markers(n, strings.Join(nested, "."), "type")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.walk(n.NamedChild(i), nested)
		}
		return
	case kind == "method_declaration":
		name := w.nameOf(n)
		if name == "" || len(types) == 0 {
			return
		}
		w.markers(n, strings.Join(types, ".")+"."+name, "method")
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i), types)
	}
}

func (w *walker) nameOf(n *sitter.Node) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(w.src)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "identifier" {
			return c.Content(w.src)
		}
	}
	return ""
}

// markers processes the attribute lists attached directly to a declaration.
func (w *walker) markers(decl *sitter.Node, element, target string) {
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		list := decl.NamedChild(i)
		if list.Type() != "attribute_list" || !appliesTo(list, w.src, target) {
			continue
		}
		for j := 0; j < int(list.NamedChildCount()); j++ {
			attr := list.NamedChild(j)
			if attr.Type() != "attribute" {
				continue
			}
			name := attr.ChildByFieldName("name")
			if name == nil || simpleAttributeName(name.Content(w.src)) != w.x.marker {
				continue
			}
			line := int(attr.StartPoint().Row) + 1
			d, err := w.declaration(attr, element, line)
			if err != nil {
				w.errs = append(w.errs, &MalformedDeclarationError{
					FilePath:    w.file,
					ElementName: element,
					Line:        line,
					Reason:      err.Error(),
				})
				continue
			}
			w.decls = append(w.decls, d)
		}
	}
}

func appliesTo(list *sitter.Node, src []byte, target string) bool {
	for i := 0; i < int(list.NamedChildCount()); i++ {
		c := list.NamedChild(i)
		if c.Type() != "attribute_target_specifier" {
			continue
		}
		spec := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(c.Content(src)), ":"))
		return spec == target
	}
	return true
}

func (w *walker) declaration(attr *sitter.Node, element string, line int) (marker.Declaration, error) {
	args, err := w.positional(attr)
	if err != nil {
		return marker.Declaration{}, err
	}
	if len(args) != 4 {
		return marker.Declaration{}, fmt.Errorf("expected 4 arguments (issueType, status, title, description), got %d", len(args))
	}
	issueType, err := resolveEnum(args[0], w.src)
	if err != nil {
		return marker.Declaration{}, fmt.Errorf("issueType: %w", err)
	}
	status, err := resolveEnum(args[1], w.src)
	if err != nil {
		return marker.Declaration{}, fmt.Errorf("status: %w", err)
	}
	title, err := resolveString(args[2], w.src)
	if err != nil {
		return marker.Declaration{}, fmt.Errorf("title: %w", err)
	}
	description, err := resolveString(args[3], w.src)
	if err != nil {
		return marker.Declaration{}, fmt.Errorf("description: %w", err)
	}
	return marker.NewDeclaration(w.file, element, line, marker.Args{
		IssueType:   issueType,
		Status:      status,
		Title:       title,
		Description: description,
	}, w.x.statuses)
}

// positional returns the value expressions of the attribute arguments.
// Property assignments (Name = value) are not positional and are rejected.
func (w *walker) positional(attr *sitter.Node) ([]*sitter.Node, error) {
	var argList *sitter.Node
	for i := 0; i < int(attr.NamedChildCount()); i++ {
		if c := attr.NamedChild(i); c.Type() == "attribute_argument_list" {
			argList = c
			break
		}
	}
	if argList == nil {
		return nil, nil
	}
	var out []*sitter.Node
	for i := 0; i < int(argList.NamedChildCount()); i++ {
		arg := argList.NamedChild(i)
		if arg.Type() != "attribute_argument" {
			continue
		}
		var value *sitter.Node
		for j := 0; j < int(arg.NamedChildCount()); j++ {
			c := arg.NamedChild(j)
			switch c.Type() {
			case "name_equals":
				return nil, fmt.Errorf("named property argument %q is not supported", strings.TrimSpace(arg.Content(w.src)))
			case "name_colon", "comment":
				continue
			default:
				value = c
			}
		}
		if value == nil {
			return nil, fmt.Errorf("empty argument")
		}
		out = append(out, value)
	}
	return out, nil
}

// simpleAttributeName reduces Ns.GitHubIssueAttribute, global::GitHubIssue
// and GitHubIssue<T> to GitHubIssue.
func simpleAttributeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "<"); i >= 0 {
		name = name[:i]
	}
	if trimmed := strings.TrimSuffix(name, "Attribute"); trimmed != "" {
		name = trimmed
	}
	return name
}
