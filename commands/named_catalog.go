package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/gerrors"
)

// OpenNamedCatalog resolves `--catalog NAME` to the most recent per-run
// snapshot Backup wrote under Config.CatalogsDir (file names sort
// lexicographically by their trailing UTC timestamp). The caller is
// responsible for closing the returned catalog.
func OpenNamedCatalog(cctx *Context, name string) (*catalog.Catalog, error) {
	entries, err := os.ReadDir(cctx.Config.CatalogsDir())
	if err != nil {
		return nil, fmt.Errorf("commands: read catalogs dir: %w: %w", err, gerrors.ErrIO)
	}
	prefix := name + "-"
	var latest string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".catalog") {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return nil, fmt.Errorf("commands: no catalog snapshot named %q: %w", name, gerrors.ErrConfig)
	}
	return catalog.Open(filepath.Join(cctx.Config.CatalogsDir(), latest))
}
