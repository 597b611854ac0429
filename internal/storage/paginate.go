package storage

import (
	"sort"
	"strings"
)

// Paginate builds a page from leaf entries whose keys all start with prefix.
// Backends without server-side delimiter support list everything under the
// prefix and hand the result here.
func Paginate(leaves []Entry, prefix string, opts ListOptions) *Page {
	SortEntries(leaves)

	var entries []Entry
	last := ""
	for _, e := range leaves {
		if !opts.Recursive {
			rest := strings.TrimPrefix(e.Key, prefix)
			if i := strings.Index(rest, "/"); i >= 0 {
				sub := prefix + rest[:i+1]
				if sub == last {
					continue
				}
				e = Entry{Key: sub, Prefix: true}
			}
		}
		last = e.Key
		if opts.Token != "" && e.Key <= opts.Token {
			continue
		}
		entries = append(entries, e)
	}

	page := &Page{Entries: entries}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		page.Entries = entries[:opts.Limit]
		page.NextToken = page.Entries[opts.Limit-1].Key
	}
	return page
}

// SortEntries orders entries by key.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
