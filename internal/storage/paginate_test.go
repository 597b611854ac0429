package storage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func keysOf(p *Page) []string {
	var out []string
	for _, e := range p.Entries {
		out = append(out, e.Key)
	}
	return out
}

func TestPaginateCollapsesFolders(t *testing.T) {
	leaves := []Entry{
		{Key: "b/x/2"},
		{Key: "b/a"},
		{Key: "b/x/1"},
		{Key: "b/x!"},
		{Key: "b/y/deep/z"},
	}
	page := Paginate(leaves, "b/", ListOptions{})
	want := []string{"b/a", "b/x!", "b/x/", "b/y/"}
	if diff := cmp.Diff(want, keysOf(page)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if !page.Entries[2].Prefix || page.Entries[0].Prefix {
		t.Fatalf("prefix flags wrong: %+v", page.Entries)
	}
	if page.NextToken != "" {
		t.Fatalf("expected no next token, got %q", page.NextToken)
	}
}

func TestPaginateRecursive(t *testing.T) {
	leaves := []Entry{{Key: "b/x/2"}, {Key: "b/a"}, {Key: "b/x/1"}}
	page := Paginate(leaves, "b/", ListOptions{Recursive: true})
	want := []string{"b/a", "b/x/1", "b/x/2"}
	if diff := cmp.Diff(want, keysOf(page)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestPaginateTokens(t *testing.T) {
	leaves := []Entry{{Key: "p/a"}, {Key: "p/b/1"}, {Key: "p/b/2"}, {Key: "p/c"}, {Key: "p/d"}}

	var got []string
	opts := ListOptions{Limit: 2}
	for i := 0; i < 10; i++ {
		page := Paginate(append([]Entry(nil), leaves...), "p/", opts)
		got = append(got, keysOf(page)...)
		if page.NextToken == "" {
			break
		}
		opts.Token = page.NextToken
	}
	want := []string{"p/a", "p/b/", "p/c", "p/d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("paged keys mismatch (-want +got):\n%s", diff)
	}
}
