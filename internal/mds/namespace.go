// SPDX-License-Identifier: MIT

package mds

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/boltdb/bolt"

	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/snaprealm"
)

var (
	dentryBucket = []byte("dentries") // parent-inode/name -> child inode
	inodeBucket  = []byte("inodes")   // inode -> encoded inodeRecord
)

// inodeRecord is the durable per-inode record this rank's namespace keeps.
// Grounded on internal/osd/store.go's bolt-backed single-bucket layout,
// narrowed to metadata instead of object bytes.
type inodeRecord struct {
	Inode   core.InodeNo
	Parent  core.InodeNo
	Name    string
	IsDir   bool
	Size    uint64
	Version uint64
}

// namespace is the in-memory-plus-durable directory tree for one MDS rank.
// A real multi-rank deployment partitions the tree by a hashing or
// subtree-pinning policy; this rank resolves every path against the whole
// tree it stores, and a path that does not resolve yields core.ErrNotFound.
// No lookup is answered with core.ErrStaleLeader or a forward (forwarding
// policy itself is out of scope here, as the namespace partition function is
// never named by the specification).
type namespace struct {
	db *bolt.DB

	mu      sync.RWMutex
	nextIno uint64
	realms  map[core.InodeNo]*snaprealm.Realm
}

func openNamespace(path string) (*namespace, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("mds: open namespace %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dentryBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(inodeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	ns := &namespace{db: db, nextIno: 1, realms: make(map[core.InodeNo]*snaprealm.Realm)}
	root := snaprealm.New(rootInode)
	ns.realms[rootInode] = root
	if err := ns.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return ns, nil
}

const rootInode core.InodeNo = 1

func (ns *namespace) ensureRoot() error {
	return ns.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodeBucket)
		if b.Get(inodeKey(rootInode)) != nil {
			return nil
		}
		rec := inodeRecord{Inode: rootInode, IsDir: true, Name: "/"}
		return b.Put(inodeKey(rootInode), encodeRecord(rec))
	})
}

func (ns *namespace) close() error { return ns.db.Close() }

func inodeKey(ino core.InodeNo) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ino))
	return buf[:]
}

func dentryKey(parent core.InodeNo, name string) []byte {
	return []byte(fmt.Sprintf("%d/%s", parent, name))
}

func encodeRecord(rec inodeRecord) []byte {
	// Fixed-width fields followed by the name; this namespace is a
	// demonstration metadata table, not the full on-disk format, which
	// the specification explicitly leaves to the data model's object
	// store instead.
	buf := make([]byte, 8+8+1+8+8+len(rec.Name))
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Inode))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.Parent))
	if rec.IsDir {
		buf[16] = 1
	}
	binary.BigEndian.PutUint64(buf[17:25], rec.Size)
	binary.BigEndian.PutUint64(buf[25:33], rec.Version)
	copy(buf[33:], rec.Name)
	return buf
}

func decodeRecord(buf []byte) inodeRecord {
	return inodeRecord{
		Inode:   core.InodeNo(binary.BigEndian.Uint64(buf[0:8])),
		Parent:  core.InodeNo(binary.BigEndian.Uint64(buf[8:16])),
		IsDir:   buf[16] == 1,
		Size:    binary.BigEndian.Uint64(buf[17:25]),
		Version: binary.BigEndian.Uint64(buf[25:33]),
		Name:    string(buf[33:]),
	}
}

// resolve walks a slash-separated path from the root to find its inode,
// returning core.ErrNotFound if any component is missing.
func (ns *namespace) resolve(p string) (inodeRecord, core.Error) {
	cur := rootInode
	var rec inodeRecord
	err := ns.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodeBucket)
		v := b.Get(inodeKey(cur))
		if v == nil {
			return errNotFound
		}
		rec = decodeRecord(v)

		parts := splitPath(p)
		db := tx.Bucket(dentryBucket)
		for _, name := range parts {
			childRaw := db.Get(dentryKey(cur, name))
			if childRaw == nil {
				return errNotFound
			}
			cur = core.InodeNo(binary.BigEndian.Uint64(childRaw))
			v := b.Get(inodeKey(cur))
			if v == nil {
				return errNotFound
			}
			rec = decodeRecord(v)
		}
		return nil
	})
	if err == errNotFound {
		return inodeRecord{}, core.ErrNotFound
	}
	if err != nil {
		return inodeRecord{}, core.ErrCorrupt
	}
	return rec, core.NoError
}

var errNotFound = fmt.Errorf("not found")

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// create makes a new inode named by the last component of p, under the
// directory named by its prefix. excl rejects the call if the name
// already exists (ReqCreate's EXCL semantics).
func (ns *namespace) create(p string, isDir bool, excl bool) (core.InodeNo, core.Error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return 0, core.ErrInvalidArgument
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	name := parts[len(parts)-1]

	parent, cerr := ns.resolve(parentPath)
	if cerr != core.NoError {
		return 0, cerr
	}
	if !parent.IsDir {
		return 0, core.ErrInvalidArgument
	}

	ino := core.InodeNo(atomic.AddUint64(&ns.nextIno, 1))
	var outErr core.Error
	err := ns.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(dentryBucket)
		key := dentryKey(parent.Inode, name)
		if excl && db.Get(key) != nil {
			outErr = core.ErrExists
			return nil
		}
		if err := db.Put(key, inodeKey(ino)); err != nil {
			return err
		}
		rec := inodeRecord{Inode: ino, Parent: parent.Inode, Name: name, IsDir: isDir}
		return tx.Bucket(inodeBucket).Put(inodeKey(ino), encodeRecord(rec))
	})
	if outErr != core.NoError {
		return 0, outErr
	}
	if err != nil {
		return 0, core.ErrCorrupt
	}

	ns.mu.Lock()
	ns.realms[ino] = ns.realmFor(parent.Inode).Child(ino, 0)
	ns.mu.Unlock()
	return ino, core.NoError
}

// realmFor returns the snap realm governing ino, defaulting to the root
// realm if none was created for it directly (no snapshot has ever been
// taken inside its subtree).
func (ns *namespace) realmFor(ino core.InodeNo) *snaprealm.Realm {
	if r, ok := ns.realms[ino]; ok {
		return r
	}
	return ns.realms[rootInode]
}

// unlink removes a dentry. It refuses to remove a non-empty directory,
// mirroring ReqRmdir's distinct path from ReqUnlink at the protocol level
// even though both end up here.
func (ns *namespace) unlink(p string, requireDir bool) core.Error {
	parts := splitPath(p)
	if len(parts) == 0 {
		return core.ErrInvalidArgument
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	name := parts[len(parts)-1]

	parent, cerr := ns.resolve(parentPath)
	if cerr != core.NoError {
		return cerr
	}
	target, cerr := ns.resolve(p)
	if cerr != core.NoError {
		return cerr
	}
	if requireDir != target.IsDir {
		return core.ErrInvalidArgument
	}

	var outErr core.Error
	err := ns.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(dentryBucket)
		c := db.Cursor()
		prefix := dentryKey(target.Inode, "")
		if target.IsDir {
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				outErr = core.ErrInvalidArgument
				return nil
			}
		}
		if err := db.Delete(dentryKey(parent.Inode, name)); err != nil {
			return err
		}
		return tx.Bucket(inodeBucket).Delete(inodeKey(target.Inode))
	})
	if outErr != core.NoError {
		return outErr
	}
	if err != nil {
		return core.ErrCorrupt
	}
	ns.mu.Lock()
	delete(ns.realms, target.Inode)
	ns.mu.Unlock()
	return core.NoError
}

// rename moves a dentry from oldPath to newPath, reparenting its snap
// realm when the move crosses a realm boundary (the move's source realm's
// current snap id becomes the new realm's ParentSince, so history taken
// before the move stays attributed to the old ancestry).
func (ns *namespace) rename(oldPath, newPath string, atSnap core.SnapID) core.Error {
	src, cerr := ns.resolve(oldPath)
	if cerr != core.NoError {
		return cerr
	}

	newParts := splitPath(newPath)
	if len(newParts) == 0 {
		return core.ErrInvalidArgument
	}
	newParentPath := "/" + strings.Join(newParts[:len(newParts)-1], "/")
	newName := newParts[len(newParts)-1]
	newParent, cerr := ns.resolve(newParentPath)
	if cerr != core.NoError {
		return cerr
	}

	oldParts := splitPath(oldPath)
	oldParentPath := "/" + strings.Join(oldParts[:len(oldParts)-1], "/")
	oldParent, cerr := ns.resolve(oldParentPath)
	if cerr != core.NoError {
		return cerr
	}
	oldName := oldParts[len(oldParts)-1]

	err := ns.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(dentryBucket)
		if err := db.Delete(dentryKey(oldParent.Inode, oldName)); err != nil {
			return err
		}
		if err := db.Put(dentryKey(newParent.Inode, newName), inodeKey(src.Inode)); err != nil {
			return err
		}
		rec := src
		rec.Parent = newParent.Inode
		rec.Name = newName
		return tx.Bucket(inodeBucket).Put(inodeKey(src.Inode), encodeRecord(rec))
	})
	if err != nil {
		return core.ErrCorrupt
	}

	if oldParent.Inode != newParent.Inode {
		ns.mu.Lock()
		if r, ok := ns.realms[src.Inode]; ok {
			r.Reparent(ns.realmFor(newParent.Inode), atSnap)
		}
		ns.mu.Unlock()
	}
	return core.NoError
}

// setSize updates an inode's recorded size (e.g. after a client flushes a
// buffered write covered by CapFileWr).
func (ns *namespace) setSize(ino core.InodeNo, size uint64) core.Error {
	err := ns.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodeBucket)
		v := b.Get(inodeKey(ino))
		if v == nil {
			return errNotFound
		}
		rec := decodeRecord(v)
		rec.Size = size
		rec.Version++
		return b.Put(inodeKey(ino), encodeRecord(rec))
	})
	if err == errNotFound {
		return core.ErrNotFound
	}
	if err != nil {
		return core.ErrCorrupt
	}
	return core.NoError
}

// readdir lists the direct children of the directory at p.
func (ns *namespace) readdir(p string) ([]string, core.Error) {
	dir, cerr := ns.resolve(p)
	if cerr != core.NoError {
		return nil, cerr
	}
	if !dir.IsDir {
		return nil, core.ErrInvalidArgument
	}

	var names []string
	err := ns.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dentryBucket).Cursor()
		prefix := fmt.Sprintf("%d/", dir.Inode)
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			names = append(names, strings.TrimPrefix(string(k), prefix))
		}
		return nil
	})
	if err != nil {
		return nil, core.ErrCorrupt
	}
	return names, core.NoError
}
