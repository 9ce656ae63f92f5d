//go:build linux || darwin

package receiver

import (
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/gokrazy/natsync/internal/rsynclist"
)

var amRoot = os.Getuid() == 0

var inGroup = func() map[uint32]bool {
	m := make(map[uint32]bool)
	u, err := user.Current()
	if err != nil {
		return m
	}
	gids, err := u.GroupIds()
	if err != nil {
		return m
	}
	for _, gidString := range gids {
		gid64, err := strconv.ParseInt(gidString, 0, 64)
		if err != nil {
			return m
		}
		m[uint32(gid64)] = true
	}
	return m
}()

// setUID applies entry's owner/group to the already-written file at path,
// following the same unprivileged-process constraints real rsync honors:
// only root may change ownership to an arbitrary uid, and a non-root
// process may only set a gid it is itself a member of (spec.md §4.7
// "Attribute application").
func setUID(path string, entry *rsynclist.FileEntry, opts Opts) error {
	st, err := os.Lstat(path)
	if err != nil {
		return err
	}
	stt, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	changeUID := opts.PreserveUID &&
		amRoot &&
		stt.Uid != entry.Uid.ID

	changeGID := opts.PreserveGID &&
		(amRoot || inGroup[entry.Gid.ID]) &&
		stt.Gid != entry.Gid.ID

	if !changeUID && !changeGID {
		return nil
	}

	uid := stt.Uid
	if changeUID {
		uid = entry.Uid.ID
	}
	gid := stt.Gid
	if changeGID {
		gid = entry.Gid.ID
	}
	return os.Lchown(path, int(uid), int(gid))
}
