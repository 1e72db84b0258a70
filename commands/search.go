package commands

import "github.com/pmoor/gletscher/catalog"

// SearchResult is one matched catalog entry.
type SearchResult struct {
	Path  string
	Size  uint64
	Mtime uint64
}

// Search is a read-only, offline query of a catalog by regex, requiring
// no network access. cat is whichever catalog (the _global one, or a
// specific per-run snapshot opened separately) the caller wants
// queried.
func Search(cat *catalog.Catalog, patterns []string) ([]SearchResult, error) {
	compiled, err := catalog.CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	matches, err := cat.Match(compiled)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(matches))
	for i, m := range matches {
		out[i] = SearchResult{Path: string(m.Path), Size: m.Entry.Size(), Mtime: m.Entry.Stat.Mtime}
	}
	return out, nil
}
