package commands

import (
	"os"
	"syscall"

	"github.com/pmoor/gletscher/catalog"
)

// posixStat extracts the five fields catalog.Stat compares for change
// detection from an os.FileInfo. Gletscher targets POSIX filesystems;
// Sys() is asserted to *syscall.Stat_t accordingly, and Uid/Gid stay
// zero when the assertion fails.
func posixStat(info os.FileInfo) catalog.Stat {
	stat := catalog.Stat{
		Mode:  uint32(info.Mode()),
		Size:  uint64(info.Size()),
		Mtime: uint64(info.ModTime().Unix()),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		stat.Uid = sys.Uid
		stat.Gid = sys.Gid
	}
	return stat
}
