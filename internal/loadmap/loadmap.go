// Package loadmap discovers, per loaded ELF object, the offset between
// its global (link-time) addresses and its relocated (runtime)
// addresses, by walking the dynamic linker's rendezvous structure
// (r_debug / link_map) inside tracee memory.
//
package loadmap

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nvdbg/rdbg/internal/addr"
)

// Reader reads 8-byte words and NUL-terminated strings out of tracee
// memory. *internal/tracee.Tracee satisfies this.
type Reader interface {
	ReadMemory(at addr.Relocated, out []byte) error
}

// Object describes one loaded ELF object and its load bias.
type Object struct {
	Name string
	Bias int64 // Relocated = Global + Bias for this object.
}

// LoadMap maps global addresses to relocated addresses, per object.
// Objects are kept sorted by Bias; Relocate/Delocate find an object by
// name with a linear scan.
type LoadMap struct {
	objects []Object
}

// New builds a LoadMap from the dynamic linker's r_debug structure at
// rDebugAddr (already resolved by the caller) by walking the link_map
// linked list it points to.
//
//	struct r_debug { int version; struct link_map *r_map; ... };
//	struct link_map {
//	    ElfW(Addr) l_addr;  // difference between the ELF file's
//	                        // addresses and the memory address
//	    char *l_name;
//	    ElfW(Dyn) *l_ld;
//	    struct link_map *l_next, *l_prev;
//	};
func New(r Reader, rDebugAddr addr.Relocated) (*LoadMap, error) {
	var buf [8]byte
	// r_debug.r_map is the second field (after the int version,
	// padded to 8 bytes on amd64).
	if err := r.ReadMemory(rDebugAddr.Add(8), buf[:]); err != nil {
		return nil, fmt.Errorf("loadmap: read r_map: %w", err)
	}
	linkMap := addr.Relocated(binary.LittleEndian.Uint64(buf[:]))

	lm := &LoadMap{}
	seen := map[addr.Relocated]bool{}
	for linkMap != 0 && !seen[linkMap] {
		seen[linkMap] = true

		if err := r.ReadMemory(linkMap, buf[:]); err != nil {
			return nil, fmt.Errorf("loadmap: read l_addr: %w", err)
		}
		lAddr := int64(binary.LittleEndian.Uint64(buf[:]))

		if err := r.ReadMemory(linkMap.Add(8), buf[:]); err != nil {
			return nil, fmt.Errorf("loadmap: read l_name ptr: %w", err)
		}
		namePtr := addr.Relocated(binary.LittleEndian.Uint64(buf[:]))
		name, err := readCString(r, namePtr, 4096)
		if err != nil {
			return nil, fmt.Errorf("loadmap: read l_name: %w", err)
		}

		lm.objects = append(lm.objects, Object{Name: name, Bias: lAddr})

		// l_next is the fourth pointer-sized field: l_addr, l_name,
		// l_ld, l_next.
		if err := r.ReadMemory(linkMap.Add(24), buf[:]); err != nil {
			return nil, fmt.Errorf("loadmap: read l_next: %w", err)
		}
		linkMap = addr.Relocated(binary.LittleEndian.Uint64(buf[:]))
	}

	sort.Slice(lm.objects, func(i, j int) bool { return lm.objects[i].Bias < lm.objects[j].Bias })
	return lm, nil
}

func readCString(r Reader, at addr.Relocated, max int) (string, error) {
	if at == 0 {
		return "", nil
	}
	var out []byte
	var chunk [64]byte
	for len(out) < max {
		if err := r.ReadMemory(at, chunk[:]); err != nil {
			return "", err
		}
		for _, b := range chunk {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		at = at.Add(int64(len(chunk)))
	}
	return string(out), nil
}

// Objects returns the loaded objects in bias order.
func (lm *LoadMap) Objects() []Object { return lm.objects }

// Relocate converts a global address within the named object to a
// relocated (runtime) address.
func (lm *LoadMap) Relocate(obj string, g addr.Global) (addr.Relocated, error) {
	for _, o := range lm.objects {
		if o.Name == obj {
			return addr.Relocated(int64(g) + o.Bias), nil
		}
	}
	return 0, fmt.Errorf("loadmap: unknown object %q", obj)
}

// Delocate converts a relocated address within the named object back
// to its global address, reporting false for an unknown object. It
// does not check that the address lies inside that object: the map
// tracks only each object's bias, not its size.
func (lm *LoadMap) Delocate(obj string, r addr.Relocated) (addr.Global, bool) {
	for _, o := range lm.objects {
		if o.Name == obj {
			return addr.Global(int64(r) - o.Bias), true
		}
	}
	return 0, false
}
