// Package firmware models the flashable image: the flat byte view built
// from hex records, the flash geometry of TurMass chips, and the chunk
// layout the host walks during transfer.
package firmware

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// TurMass flash geometry. The application window lives behind a bus
// offset; hex files carry bus addresses, the burn protocol wants window
// offsets.
const (
	BusOffset    = 0xC2000000
	FlashWindow  = 0x00030000
	MaxImageSize = 0x0002FFF8
	TailPageAddr = 0x0002FF00

	// DefaultChunkSize is the flash write granularity.
	DefaultChunkSize = 256

	// EraseBlockSize is the granularity of the 64K block erase command.
	EraseBlockSize = 0x10000

	// PatchLoadAddr is where the RAM bootstrap patch is loaded.
	PatchLoadAddr = 0x20080400
	// PatchChunkSize is the RAM write granularity.
	PatchChunkSize = 512
)

// TailMagic terminates the option page; the bootloader refuses to boot an
// image without it.
var TailMagic = []byte{0x01, 0x04, 0x23, 0x00, 0x51, 0x52, 0x52, 0x51}

// Record is one run of contiguous bytes at a bus address, as produced by
// the hex parsers.
type Record struct {
	Address uint32
	Data    []byte
}

// Image is the flattened firmware: contiguous bytes starting at Start,
// with gaps between records filled with 0xFF (erased flash).
type Image struct {
	Start uint32 // bus address of Data[0]
	Data  []byte
}

// New flattens records into an Image. Records may arrive unsorted; they
// must not overlap and the result must fit the flash window.
func New(records []Record) (*Image, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("image has no data")
	}

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	start := sorted[0].Address
	end := start
	for _, r := range sorted {
		if len(r.Data) == 0 {
			continue
		}
		if r.Address < end {
			return nil, fmt.Errorf("record at 0x%08X overlaps previous record ending at 0x%08X", r.Address, end)
		}
		end = r.Address + uint32(len(r.Data))
	}

	data := make([]byte, end-start)
	for i := range data {
		data[i] = 0xFF
	}
	for _, r := range sorted {
		copy(data[r.Address-start:], r.Data)
	}

	im := &Image{Start: start, Data: data}
	if err := im.validate(); err != nil {
		return nil, err
	}
	return im, nil
}

func (im *Image) validate() error {
	if im.Start < BusOffset {
		return fmt.Errorf("image start 0x%08X below flash bus offset 0x%08X", im.Start, uint32(BusOffset))
	}
	offset := im.Start - BusOffset
	if int(offset)+len(im.Data) > MaxImageSize {
		return fmt.Errorf("image of %d bytes at offset 0x%X exceeds flashable size 0x%X",
			len(im.Data), offset, MaxImageSize)
	}
	return nil
}

// Size returns the unpadded image length in bytes.
func (im *Image) Size() int {
	return len(im.Data)
}

// Offset returns the image start rebased into the flash window.
func (im *Image) Offset() uint32 {
	return im.Start - BusOffset
}

// CRC32 is the IEEE CRC-32 of the unpadded image bytes, the value the
// device reports back from CALC_CRC32.
func (im *Image) CRC32() uint32 {
	return crc32.ChecksumIEEE(im.Data)
}

// FitsFlash reports whether the image fits a device that advertised the
// given flashable size.
func (im *Image) FitsFlash(flashSize uint32) bool {
	return uint32(len(im.Data))+im.Offset() <= flashSize
}

// Chunk is one write operation of the transfer phase.
type Chunk struct {
	Offset uint32 // flash window offset
	Data   []byte
}

// Layout splits the image into sequential chunks plus the option page.
// The main area is padded to the chunk size with 0xFF; the option page is
// padded and terminated with the tail magic. chunkSize must not exceed
// what the device negotiated.
func (im *Image) Layout(chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 || chunkSize > DefaultChunkSize {
		return nil, fmt.Errorf("chunk size %d out of range (1..%d)", chunkSize, DefaultChunkSize)
	}

	body := append([]byte(nil), im.Data...)
	var tailPage []byte

	base := int(im.Offset())
	if base+len(body) > TailPageAddr {
		// Image runs into the option page; carve that part off.
		cut := TailPageAddr - base
		tailPage = append(tailPage, body[cut:]...)
		body = body[:cut]
	}
	if pad := (chunkSize - len(body)%chunkSize) % chunkSize; pad > 0 {
		body = append(body, bytes0xFF(pad)...)
	}
	tailPage = append(tailPage, bytes0xFF(DefaultChunkSize-len(TailMagic)-len(tailPage))...)
	tailPage = append(tailPage, TailMagic...)

	var chunks []Chunk
	for i := 0; i < len(body); i += chunkSize {
		endIdx := i + chunkSize
		if endIdx > len(body) {
			endIdx = len(body)
		}
		chunks = append(chunks, Chunk{Offset: uint32(base + i), Data: body[i:endIdx]})
	}
	chunks = append(chunks, Chunk{Offset: TailPageAddr, Data: tailPage})
	return chunks, nil
}

// EraseBlocks returns the 64K block base addresses that must be erased
// before programming: the whole window, since the option page sits at
// its far end.
func EraseBlocks() []uint32 {
	var blocks []uint32
	for addr := uint32(0); addr < FlashWindow; addr += EraseBlockSize {
		blocks = append(blocks, addr)
	}
	return blocks
}

func bytes0xFF(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
