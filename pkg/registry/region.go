// Package registry implements the table of routers, interfaces, bridges,
// hosts, and services. A RAM-resident memory region is opened against a
// well-known path and carries a versioned header; the tables themselves
// are held in this process's memory and are not stored in the region.
// Mutating access to each sub-registry is serialized through a named file
// lock, while lookups take only the in-process read lock.
package registry

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cuemby/tsimd/pkg/apierr"
)

const (
	magic         uint32 = 0x7453494d // "tSIM"
	version       uint32 = 1
	headerSize           = 16 // magic(4) + version(4) + capacity(4) + count(4)
	defaultRegion        = 64 * 1024
)

// header is the versioned region header: magic, version, table-of-contents
// stand-ins (capacity/count), read back on every open to detect corruption.
type header struct {
	Magic    uint32
	Version  uint32
	Capacity uint32
	Count    uint32
}

// Region is a named, RAM-backed memory region mmap'd by path. It does not
// itself interpret sub-registry contents; Routers/Interfaces/Bridges/Hosts/
// Services build their typed views on top of one Region each.
type Region struct {
	path string
	file *os.File
	data []byte
}

// OpenRegion opens (creating if needed) the region file at path, sized to
// at least defaultRegion bytes, and mmaps it. On magic/version mismatch the
// region is reinitialized rather than failing the caller — dependent
// resources are left for the Reconciler to discover as missing and
// schedule for GC.
func OpenRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "registry: cannot open region file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apierr.Wrap(apierr.Fatal, "registry: cannot stat region file", err)
	}
	if info.Size() < defaultRegion {
		if err := f.Truncate(defaultRegion); err != nil {
			f.Close()
			return nil, apierr.Wrap(apierr.Fatal, "registry: cannot size region file", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, defaultRegion, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, apierr.Wrap(apierr.Fatal, "registry: mmap failed", err)
	}

	r := &Region{path: path, file: f, data: data}
	h := r.readHeader()
	if h.Magic != magic || h.Version != version {
		r.writeHeader(header{Magic: magic, Version: version, Capacity: defaultRegion - headerSize, Count: 0})
	}
	return r, nil
}

// Close unmaps the region and closes the backing file. It does not delete
// the file, so the region's header persists across process restarts.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return apierr.Wrap(apierr.Fatal, "registry: munmap failed", err)
	}
	return r.file.Close()
}

func (r *Region) readHeader() header {
	return header{
		Magic:    binary.LittleEndian.Uint32(r.data[0:4]),
		Version:  binary.LittleEndian.Uint32(r.data[4:8]),
		Capacity: binary.LittleEndian.Uint32(r.data[8:12]),
		Count:    binary.LittleEndian.Uint32(r.data[12:16]),
	}
}

func (r *Region) writeHeader(h header) {
	binary.LittleEndian.PutUint32(r.data[0:4], h.Magic)
	binary.LittleEndian.PutUint32(r.data[4:8], h.Version)
	binary.LittleEndian.PutUint32(r.data[8:12], h.Capacity)
	binary.LittleEndian.PutUint32(r.data[12:16], h.Count)
}

// Valid reports whether the region's header currently matches the expected
// magic/version, i.e. has not been corrupted or reinitialized concurrently.
func (r *Region) Valid() bool {
	h := r.readHeader()
	return h.Magic == magic && h.Version == version
}

// Path returns the region's backing file path, for diagnostics.
func (r *Region) Path() string { return r.path }

func fmtLockPath(dir, name string) string {
	return fmt.Sprintf("%s/%s.lock", dir, name)
}
