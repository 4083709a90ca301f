package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual locations of the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// IDs maps vendor and product identifiers to names. The zero value and a
// nil *IDs are empty databases.
type IDs struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

func productKey(vid, pid uint16) uint32 {
	return uint32(vid)<<16 | uint32(pid)
}

// Open parses the first database found in paths. It returns an empty
// database and an fs.ErrNotExist wrap if none of them exists.
func Open(paths ...string) (*IDs, error) {
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return &IDs{}, err
		}
		defer f.Close()
		ids, err := Parse(f)
		if err != nil {
			return &IDs{}, fmt.Errorf("%s: %w", path, err)
		}
		return ids, nil
	}
	return &IDs{}, fmt.Errorf("usb.ids: %w", fs.ErrNotExist)
}

// Parse reads a database in usb.ids format.
func Parse(r io.Reader) (*IDs, error) {
	ids := &IDs{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vendor uint16
	inVendor := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// Product of the current vendor; deeper tabs are interfaces
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				ids.products[productKey(vendor, id)] = name
			}
			continue
		}

		// Class ("C 09"), language ("L 0409") and similar sections end
		// the vendor list.
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			ids.vendors[id] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// entry splits "xxxx  Name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the vendor name for vid, or "".
func (ids *IDs) Vendor(vid uint16) string {
	if ids == nil {
		return ""
	}
	return ids.vendors[vid]
}

// Product returns the product name for vid:pid, or "".
func (ids *IDs) Product(vid, pid uint16) string {
	if ids == nil {
		return ""
	}
	return ids.products[productKey(vid, pid)]
}

// Len returns the number of vendors and products known.
func (ids *IDs) Len() (vendors, products int) {
	if ids == nil {
		return 0, 0
	}
	return len(ids.vendors), len(ids.products)
}
