package gpu

import "encoding/binary"

// cpuPageSize is the granularity of sparse device-local backing stores.
const cpuPageSize = 64 << 10

// backing is the storage behind one software allocation.
type backing interface {
	// fill writes word repeatedly over [off, off+size). off and size are
	// multiples of four.
	fill(off, size uint64, word uint32)
	read(dst []byte, off uint64)
	write(src []byte, off uint64)
}

// expandWord writes the little-endian byte image of a repeated word into
// dst, where dst[0] sits at absolute byte address base.
func expandWord(dst []byte, base uint64, word uint32) {
	i := 0
	for ; i < len(dst) && (base+uint64(i))%4 != 0; i++ {
		dst[i] = byte(word >> (8 * ((base + uint64(i)) % 4)))
	}
	for ; i+4 <= len(dst); i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], word)
	}
	for ; i < len(dst); i++ {
		dst[i] = byte(word >> (8 * ((base + uint64(i)) % 4)))
	}
}

// denseBacking keeps every byte in one slice. Used for host-visible
// memory, which has to be mappable as a contiguous range.
type denseBacking struct {
	data []byte
}

func newDenseBacking(size uint64) *denseBacking {
	return &denseBacking{data: make([]byte, size)}
}

func (b *denseBacking) fill(off, size uint64, word uint32) {
	expandWord(b.data[off:off+size], off, word)
}

func (b *denseBacking) read(dst []byte, off uint64) {
	copy(dst, b.data[off:])
}

func (b *denseBacking) write(src []byte, off uint64) {
	copy(b.data[off:], src)
}

type sparsePage struct {
	solid bool
	word  uint32
	data  []byte
}

// sparseBacking materializes pages on demand. A page covered entirely by a
// fill is stored as a single word, so filling gigabytes costs nothing
// until the contents are read back piecewise.
type sparseBacking struct {
	size  uint64
	pages map[uint64]*sparsePage
}

func newSparseBacking(size uint64) *sparseBacking {
	return &sparseBacking{size: size, pages: make(map[uint64]*sparsePage)}
}

func (b *sparseBacking) pageBounds(p uint64) (uint64, uint64) {
	start := p * cpuPageSize
	end := start + cpuPageSize
	if end > b.size {
		end = b.size
	}
	return start, end
}

func (b *sparseBacking) materialize(p uint64) *sparsePage {
	pg := b.pages[p]
	if pg != nil && !pg.solid {
		return pg
	}
	start, end := b.pageBounds(p)
	data := make([]byte, end-start)
	if pg != nil {
		expandWord(data, start, pg.word)
	}
	pg = &sparsePage{data: data}
	b.pages[p] = pg
	return pg
}

func (b *sparseBacking) fill(off, size uint64, word uint32) {
	end := off + size
	for p := off / cpuPageSize; p*cpuPageSize < end; p++ {
		start, pageEnd := b.pageBounds(p)
		lo, hi := max(off, start), min(end, pageEnd)
		if lo == start && hi == pageEnd {
			b.pages[p] = &sparsePage{solid: true, word: word}
			continue
		}
		pg := b.materialize(p)
		expandWord(pg.data[lo-start:hi-start], lo, word)
	}
}

func (b *sparseBacking) read(dst []byte, off uint64) {
	for len(dst) > 0 {
		p := off / cpuPageSize
		start, pageEnd := b.pageBounds(p)
		n := min(uint64(len(dst)), pageEnd-off)
		switch pg := b.pages[p]; {
		case pg == nil:
			clear(dst[:n])
		case pg.solid:
			expandWord(dst[:n], off, pg.word)
		default:
			copy(dst[:n], pg.data[off-start:])
		}
		dst = dst[n:]
		off += n
	}
}

func (b *sparseBacking) write(src []byte, off uint64) {
	for len(src) > 0 {
		p := off / cpuPageSize
		start, pageEnd := b.pageBounds(p)
		n := min(uint64(len(src)), pageEnd-off)
		pg := b.materialize(p)
		copy(pg.data[off-start:], src[:n])
		src = src[n:]
		off += n
	}
}
