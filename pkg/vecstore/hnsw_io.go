package vecstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary format magic bytes and version for HNSW serialization.
var hnswMagic = [4]byte{'E', 'M', 'V', 'X'}

const hnswVersion uint32 = 1

// Save serializes the entire HNSW index to w in a compact binary format.
//
// Slot IDs are preserved so that link references remain valid after
// deserialization; freed slots are written as inactive markers to keep
// the slot table aligned.
//
// Format overview:
//
//	[4B magic "EMVX"] [4B version]
//	[4B dim] [4B M] [4B efConstruction] [4B efSearch]
//	[4B numSlots] [4B live] [4B top] [4B entry]
//	[4B freeCount] [freeCount × 4B free slots]
//	For each slot:
//	  [1B active flag]
//	  If active:
//	    [4B idLen] [idLen bytes ID]
//	    [4B top]
//	    [dim × 4B float32 vector]
//	    For each layer 0..top:
//	      [4B numLinks] [numLinks × 4B link slots]
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bw := bufio.NewWriter(w)

	le := binary.LittleEndian
	write := func(v any) error { return binary.Write(bw, le, v) }

	// Header.
	if _, err := bw.Write(hnswMagic[:]); err != nil {
		return fmt.Errorf("vecstore: save magic: %w", err)
	}
	if err := write(hnswVersion); err != nil {
		return fmt.Errorf("vecstore: save version: %w", err)
	}

	// Config.
	for _, v := range []uint32{
		uint32(h.cfg.Dim),
		uint32(h.cfg.M),
		uint32(h.cfg.EfConstruction),
		uint32(h.cfg.EfSearch),
	} {
		if err := write(v); err != nil {
			return fmt.Errorf("vecstore: save config: %w", err)
		}
	}

	// Index metadata.
	if err := write(uint32(len(h.slots))); err != nil {
		return err
	}
	if err := write(uint32(h.live)); err != nil {
		return err
	}
	if err := write(uint32(h.top)); err != nil {
		return err
	}
	if err := write(h.entry); err != nil {
		return err
	}

	// Free list.
	if err := write(uint32(len(h.free))); err != nil {
		return err
	}
	for _, f := range h.free {
		if err := write(f); err != nil {
			return err
		}
	}

	// Slot table.
	for _, nd := range h.slots {
		if nd == nil {
			if err := write(uint8(0)); err != nil {
				return err
			}
			continue
		}

		if err := write(uint8(1)); err != nil {
			return err
		}

		idBytes := []byte(nd.id)
		if err := write(uint32(len(idBytes))); err != nil {
			return err
		}
		if _, err := bw.Write(idBytes); err != nil {
			return err
		}

		if err := write(uint32(nd.top)); err != nil {
			return err
		}

		for _, v := range nd.vec {
			if err := write(v); err != nil {
				return err
			}
		}

		for layer := 0; layer <= nd.top; layer++ {
			var links []uint32
			if layer < len(nd.links) {
				links = nd.links[layer]
			}
			if err := write(uint32(len(links))); err != nil {
				return err
			}
			for _, l := range links {
				if err := write(l); err != nil {
					return err
				}
			}
		}
	}

	return bw.Flush()
}

// LoadHNSW deserializes an HNSW index from r. The returned index is ready
// for immediate use (Insert, Search, Delete).
func LoadHNSW(r io.Reader) (*HNSW, error) {
	br := bufio.NewReader(r)

	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	// Magic.
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("vecstore: load magic: %w", err)
	}
	if magic != hnswMagic {
		return nil, fmt.Errorf("vecstore: invalid magic %q", magic[:])
	}

	// Version.
	var version uint32
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("vecstore: load version: %w", err)
	}
	if version != hnswVersion {
		return nil, fmt.Errorf("vecstore: unsupported version %d (want %d)", version, hnswVersion)
	}

	// Config.
	var dim, m, efC, efS uint32
	if err := read(&dim); err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, fmt.Errorf("vecstore: invalid dimension 0 in serialized index")
	}
	if err := read(&m); err != nil {
		return nil, err
	}
	if err := read(&efC); err != nil {
		return nil, err
	}
	if err := read(&efS); err != nil {
		return nil, err
	}

	// Metadata.
	var numSlots, live, top uint32
	var entry int32
	if err := read(&numSlots); err != nil {
		return nil, err
	}
	if err := read(&live); err != nil {
		return nil, err
	}
	if err := read(&top); err != nil {
		return nil, err
	}
	if err := read(&entry); err != nil {
		return nil, err
	}

	// Free list.
	var freeCount uint32
	if err := read(&freeCount); err != nil {
		return nil, err
	}
	free := make([]uint32, freeCount)
	for i := range free {
		if err := read(&free[i]); err != nil {
			return nil, err
		}
	}

	// Slot table.
	slots := make([]*node, numSlots)
	byID := make(map[string]uint32, live)

	for i := uint32(0); i < numSlots; i++ {
		var active uint8
		if err := read(&active); err != nil {
			return nil, err
		}
		if active == 0 {
			continue
		}

		var idLen uint32
		if err := read(&idLen); err != nil {
			return nil, err
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(br, idBytes); err != nil {
			return nil, err
		}

		var nodeTop uint32
		if err := read(&nodeTop); err != nil {
			return nil, err
		}

		vec := make([]float32, dim)
		for j := range vec {
			if err := read(&vec[j]); err != nil {
				return nil, err
			}
		}

		links := make([][]uint32, nodeTop+1)
		for layer := uint32(0); layer <= nodeTop; layer++ {
			var nl uint32
			if err := read(&nl); err != nil {
				return nil, err
			}
			if nl > 0 {
				links[layer] = make([]uint32, nl)
				for k := range links[layer] {
					if err := read(&links[layer][k]); err != nil {
						return nil, err
					}
				}
			}
		}

		nd := &node{
			id:    string(idBytes),
			vec:   vec,
			top:   int(nodeTop),
			links: links,
		}
		slots[i] = nd
		byID[nd.id] = i
	}

	cfg := HNSWConfig{
		Dim:            int(dim),
		M:              int(m),
		EfConstruction: int(efC),
		EfSearch:       int(efS),
	}
	cfg.setDefaults() // clamp M < 2 to avoid log(1)=0 → +Inf

	return &HNSW{
		cfg:      cfg,
		slots:    slots,
		byID:     byID,
		entry:    entry,
		top:      int(top),
		live:     int(live),
		free:     free,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}, nil
}
