// Package image models firmware images as sparse sets of
// (address, bytes) records. Producing records from container formats
// (hex, elf, bin, zip archives) is the job of external parsers; this
// package only defines the shape the flash pipeline consumes.
package image

import (
	"errors"
	"fmt"
	"sort"
)

var ErrOverlap = errors.New("image records overlap")

// Record is one contiguous run of bytes at an absolute target address.
type Record struct {
	Addr uint32
	Data []byte
}

// End returns the first address past the record.
func (r Record) End() uint32 {
	return r.Addr + uint32(len(r.Data))
}

func (r Record) String() string {
	return fmt.Sprintf("[%08X..%08X)", r.Addr, r.End())
}

// Image is an ordered, non-overlapping sparse record set.
type Image struct {
	// Name labels the image in logs and errors. Optional.
	Name    string
	records []Record
}

// New builds an Image from records in any order. Adjacent records are
// coalesced; overlapping records are rejected.
func New(name string, records ...Record) (*Image, error) {
	img := &Image{Name: name}
	for _, r := range records {
		if err := img.Add(r.Addr, r.Data); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// Add inserts one record, keeping the set sorted and coalesced. Empty
// data is ignored.
func (img *Image) Add(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r := Record{Addr: addr, Data: append([]byte(nil), data...)}
	i := sort.Search(len(img.records), func(i int) bool {
		return img.records[i].Addr >= r.Addr
	})
	if i > 0 && img.records[i-1].End() > r.Addr {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, img.records[i-1], r)
	}
	if i < len(img.records) && r.End() > img.records[i].Addr {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, r, img.records[i])
	}
	img.records = append(img.records, Record{})
	copy(img.records[i+1:], img.records[i:])
	img.records[i] = r
	img.coalesce(i)
	return nil
}

func (img *Image) coalesce(i int) {
	if i+1 < len(img.records) && img.records[i].End() == img.records[i+1].Addr {
		img.records[i].Data = append(img.records[i].Data, img.records[i+1].Data...)
		img.records = append(img.records[:i+1], img.records[i+2:]...)
	}
	if i > 0 && img.records[i-1].End() == img.records[i].Addr {
		img.records[i-1].Data = append(img.records[i-1].Data, img.records[i].Data...)
		img.records = append(img.records[:i], img.records[i+1:]...)
	}
}

// Records returns the records in address order. The returned slice is
// shared; callers must not mutate it.
func (img *Image) Records() []Record {
	return img.records
}

// Len returns the total byte count across all records.
func (img *Image) Len() int {
	n := 0
	for _, r := range img.records {
		n += len(r.Data)
	}
	return n
}

// Split partitions the image by an address predicate. Records are never
// cut; a record belongs to the side its start address selects.
func (img *Image) Split(pred func(Record) bool) (in, out *Image) {
	in = &Image{Name: img.Name}
	out = &Image{Name: img.Name}
	for _, r := range img.records {
		if pred(r) {
			in.records = append(in.records, r)
		} else {
			out.records = append(out.records, r)
		}
	}
	return in, out
}

// Archive is a multi-image container. Each contained image is programmed
// as one independent operation.
type Archive struct {
	Images []*Image
}
