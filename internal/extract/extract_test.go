package extract_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"issuesync/internal/extract"
	"issuesync/internal/marker"
)

const demoSource = `using AutoIssueSync.Core;

namespace Demo
{
    [GitHubIssue(IssueType.BUG, IssueStatus.TODO, "Bug in class.",
        "Example of how to convert a bug into an issue.")]
    public class TestClass
    {
        [GitHubIssue(IssueType.FEATURE, IssueStatus.IN_PROGRESS, "MyNewFeature:",
            "Need to implement a new feature.")]
        public void NewFeature()
        {
        }

        [Obsolete]
        [GitHubIssueAttribute(IssueType.TASK, IssueStatus.REVIEW, "Pending task", "")]
        public void ReviewMethod()
        {
        }

        public void Untouched() { }
    }
}
`

func TestSourceExtractsClassAndMethods(t *testing.T) {
	x := extract.New(extract.Options{})
	decls, errs := x.Source(context.Background(), "src/TestClass.cs", []byte(demoSource))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(decls) != 3 {
		t.Fatalf("expected 3 declarations, got %d: %+v", len(decls), decls)
	}
	want := []marker.Declaration{
		{ElementName: "TestClass", IssueType: marker.TypeBug, Status: marker.StatusTodo, Title: "Bug in class.", Description: "Example of how to convert a bug into an issue."},
		{ElementName: "TestClass.NewFeature", IssueType: marker.TypeFeature, Status: marker.StatusInProgress, Title: "MyNewFeature:", Description: "Need to implement a new feature."},
		{ElementName: "TestClass.ReviewMethod", IssueType: marker.TypeTask, Status: marker.StatusReview, Title: "Pending task", Description: ""},
	}
	for i, w := range want {
		got := decls[i]
		if got.ElementName != w.ElementName || got.IssueType != w.IssueType || got.Status != w.Status ||
			got.Title != w.Title || got.Description != w.Description {
			t.Fatalf("declaration %d: got %+v want %+v", i, got, w)
		}
		if got.FilePath != "src/TestClass.cs" {
			t.Fatalf("unexpected file path %q", got.FilePath)
		}
		if got.Line == 0 {
			t.Fatalf("expected a line number on %s", got.ElementName)
		}
	}
}

func TestMalformedMarkerIsIsolated(t *testing.T) {
	src := `
public class Service
{
    [GitHubIssue(IssueType.BUG, IssueStatus.TODO, "only three")]
    public void Broken() { }

    [GitHubIssue(IssueType.SMELL, IssueStatus.CRITICAL, "Refactor", "Too long")]
    public void Fine() { }
}
`
	x := extract.New(extract.Options{})
	decls, errs := x.Source(context.Background(), "Service.cs", []byte(src))
	if len(decls) != 1 || decls[0].ElementName != "Service.Fine" {
		t.Fatalf("expected only Service.Fine, got %+v", decls)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	var malformed *extract.MalformedDeclarationError
	if !errors.As(errs[0], &malformed) {
		t.Fatalf("expected MalformedDeclarationError, got %T", errs[0])
	}
	if malformed.ElementName != "Service.Broken" || malformed.FilePath != "Service.cs" {
		t.Fatalf("unexpected location: %+v", malformed)
	}
}

func TestMalformedArguments(t *testing.T) {
	cases := map[string]string{
		"unknown type":   `[GitHubIssue(IssueType.CHORE, IssueStatus.TODO, "t", "d")]`,
		"unknown status": `[GitHubIssue(IssueType.BUG, IssueStatus.SOMEDAY, "t", "d")]`,
		"identifier":     `[GitHubIssue(IssueType.BUG, IssueStatus.TODO, Constants.Title, "d")]`,
		"interpolated":   `[GitHubIssue(IssueType.BUG, IssueStatus.TODO, $"t{x}", "d")]`,
		"empty title":    `[GitHubIssue(IssueType.BUG, IssueStatus.TODO, "", "d")]`,
		"five args":      `[GitHubIssue(IssueType.BUG, IssueStatus.TODO, "t", "d", "e")]`,
		"no args":        `[GitHubIssue]`,
	}
	x := extract.New(extract.Options{})
	for name, attr := range cases {
		t.Run(name, func(t *testing.T) {
			src := attr + "\npublic class Target { }\n"
			decls, errs := x.Source(context.Background(), "T.cs", []byte(src))
			if len(decls) != 0 {
				t.Fatalf("expected no declarations, got %+v", decls)
			}
			var malformed *extract.MalformedDeclarationError
			if len(errs) != 1 || !errors.As(errs[0], &malformed) {
				t.Fatalf("expected one malformed error, got %v", errs)
			}
		})
	}
}

func TestStringForms(t *testing.T) {
	src := `
public class Strings
{
    [GitHubIssue(IssueType.ISSUE, IssueStatus.LOW_PRIORITY, "Line\tone \"quoted\"", @"C:\path ""here""")]
    public void Escapes() { }

    [GitHubIssue(IssueType.ISSUE, IssueStatus.LOW_PRIORITY, "Split " + "title", ("paren"))]
    public void Concat() { }
}
`
	x := extract.New(extract.Options{})
	decls, errs := x.Source(context.Background(), "S.cs", []byte(src))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	if decls[0].Title != "Line\tone \"quoted\"" {
		t.Fatalf("unexpected title %q", decls[0].Title)
	}
	if decls[0].Description != `C:\path "here"` {
		t.Fatalf("unexpected verbatim description %q", decls[0].Description)
	}
	if decls[1].Title != "Split title" || decls[1].Description != "paren" {
		t.Fatalf("unexpected concat result %+v", decls[1])
	}
}

func TestNestedTypesAndCustomMarker(t *testing.T) {
	src := `
namespace Outer;

public class Shell
{
    public struct Inner
    {
        [Track(Kind.BUG, Column.DOING, "nested", "d")]
        public void Work() { }
    }
}
`
	statuses, err := marker.NewStatusSet("BACKLOG", "DOING")
	if err != nil {
		t.Fatal(err)
	}
	x := extract.New(extract.Options{Marker: "TrackAttribute", Statuses: statuses})
	decls, errs := x.Source(context.Background(), "N.cs", []byte(src))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(decls) != 1 || decls[0].ElementName != "Shell.Inner.Work" || decls[0].Status != "DOING" {
		t.Fatalf("unexpected declarations %+v", decls)
	}
}

func TestScanWalksTreeInOrder(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	marked := func(class string) string {
		return `[GitHubIssue(IssueType.TASK, IssueStatus.TODO, "` + class + `", "d")] public class ` + class + ` { }`
	}
	write("a/First.cs", marked("First"))
	write("b/Second.cs", marked("Second"))
	write("b/notes.txt", marked("Ignored"))
	write("obj/Generated.cs", marked("Generated"))
	write("c/Broken.cs", `[GitHubIssue(IssueType.TASK)] public class Broken { }`)

	x := extract.New(extract.Options{Workers: 3})
	res, err := x.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Files != 3 {
		t.Fatalf("expected 3 files, got %d", res.Files)
	}
	var names []string
	for _, d := range res.Declarations {
		names = append(names, d.FilePath+"#"+d.ElementName)
	}
	if got := strings.Join(names, ","); got != "a/First.cs#First,b/Second.cs#Second" {
		t.Fatalf("unexpected declarations %s", got)
	}
	if len(res.Malformed()) != 1 || res.Malformed()[0].FilePath != "c/Broken.cs" {
		t.Fatalf("expected one malformed error in c/Broken.cs, got %v", res.Errors)
	}
}

func TestScanMissingRoot(t *testing.T) {
	x := extract.New(extract.Options{})
	if _, err := x.Scan(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestSyntaxErrorRejectsWholeFile(t *testing.T) {
	src := `
public class Half
{
    [GitHubIssue(IssueType.BUG, IssueStatus.TODO, "kept?", "d")]
    public void Parsed() { }

    [GitHubIssue(IssueType.BUG, IssueStatus.TODO, "lost", "d")
    public void Dangling() { }
}
`
	x := extract.New(extract.Options{})
	decls, errs := x.Source(context.Background(), "Half.cs", []byte(src))
	if len(decls) != 0 {
		t.Fatalf("a file with syntax errors must yield no declarations, got %+v", decls)
	}
	var fileErr *extract.FileError
	if len(errs) != 1 || !errors.As(errs[0], &fileErr) || !errors.Is(errs[0], extract.ErrSyntax) || fileErr.FilePath != "Half.cs" {
		t.Fatalf("expected one syntax FileError, got %v", errs)
	}
}

func TestScanReportsUnreadableFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Ok.cs"), []byte(`[GitHubIssue(IssueType.TASK, IssueStatus.TODO, "ok", "d")] public class Ok { }`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "Gone.cs")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	res, err := extract.New(extract.Options{}).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	failed := res.FailedFiles()
	if len(res.Declarations) != 1 || len(failed) != 1 || failed[0].FilePath != "Gone.cs" || errors.Is(failed[0], extract.ErrSyntax) {
		t.Fatalf("unexpected scan result %+v errors %v", res.Declarations, res.Errors)
	}
}
