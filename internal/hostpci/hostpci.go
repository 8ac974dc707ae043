//go:build linux

// Package hostpci opens PCI functions through the Linux sysfs interface and
// exposes their configuration space, resources and identity attributes.
package hostpci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SysfsRoot is where the kernel exposes PCI devices.
const SysfsRoot = "/sys/bus/pci/devices"

const (
	configSpaceSize    = 0x100
	extConfigSpaceSize = 0x1000

	regStatus         = 0x06
	regCapabilityList = 0x34
	statusCapList     = 0x10
	capPCIExpress     = 0x10
	expFlags          = 0x02

	maxCapHops    = 48
	maxExtCapHops = (extConfigSpaceSize - configSpaceSize) / 8

	numRegions = 7
)

// Region type flags, decoded from the kernel's resource flags.
const (
	RegionTypeIO       = 1 << 1
	RegionTypeMem      = 1 << 2
	RegionTypePrefetch = 1 << 3
	RegionTypeMem64    = 1 << 4
)

// linux/ioport.h resource flag bits as printed in the sysfs resource file.
const (
	ioresourceBits     = 0x000000ff
	ioresourceIO       = 0x00000100
	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00001000
	ioresourceMem64    = 0x00100000
)

// BDF is a PCI function address: domain, bus, device, function.
type BDF struct {
	Domain uint16
	Bus    uint8
	Dev    uint8
	Func   uint8
}

func (a BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Dev, a.Func)
}

// ParseBDF parses "dddd:bb:dd.f" or the short "bb:dd.f" form.
func ParseBDF(s string) (BDF, error) {
	var a BDF

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 3:
		domain, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return a, fmt.Errorf("bad domain in %q: %w", s, err)
		}
		a.Domain = uint16(domain)
		parts = parts[1:]
	case 2:
	default:
		return a, fmt.Errorf("bad device address %q", s)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return a, fmt.Errorf("bad bus in %q: %w", s, err)
	}
	devFunc := strings.Split(parts[1], ".")
	if len(devFunc) != 2 {
		return a, fmt.Errorf("bad device address %q", s)
	}
	dev, err := strconv.ParseUint(devFunc[0], 16, 8)
	if err != nil {
		return a, fmt.Errorf("bad device in %q: %w", s, err)
	}
	if dev > 0x1f {
		return a, fmt.Errorf("device out of range in %q", s)
	}
	fn, err := strconv.ParseUint(devFunc[1], 8, 8)
	if err != nil {
		return a, fmt.Errorf("bad function in %q: %w", s, err)
	}
	if fn > 7 {
		return a, fmt.Errorf("function out of range in %q", s)
	}

	a.Bus = uint8(bus)
	a.Dev = uint8(dev)
	a.Func = uint8(fn)
	return a, nil
}

// Region is one BAR resource as reported by the kernel.
type Region struct {
	Base     uint64
	Size     uint64
	Type     uint32
	BusFlags uint32
}

// Device is an open host PCI function.
type Device struct {
	Addr      BDF
	VendorID  uint16
	DeviceID  uint16
	ClassCode uint32
	IRQ       int
	Regions   [numRegions]Region
	IsVirtFn  bool
	HasExtCfg bool
	PCIeFlags uint16 // express capabilities word, 0xffff when absent

	fd   int
	path string
}

// Open opens the function at addr under the standard sysfs root.
func Open(addr BDF) (*Device, error) {
	return OpenAt(SysfsRoot, addr)
}

// OpenAt opens the function from an alternate sysfs root.
func OpenAt(root string, addr BDF) (*Device, error) {
	d := &Device{Addr: addr, fd: -1, path: filepath.Join(root, addr.String())}

	fd, err := unix.Open(filepath.Join(d.path, "config"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening config space of %s: %w", addr, err)
	}
	d.fd = fd

	if err := d.fill(); err != nil {
		unix.Close(d.fd)
		return nil, err
	}
	return d, nil
}

func (d *Device) fill() error {
	if err := d.readResource(); err != nil {
		return err
	}

	vendor, err := d.readAttr("vendor", 16)
	if err != nil {
		return err
	}
	d.VendorID = uint16(vendor)

	device, err := d.readAttr("device", 16)
	if err != nil {
		return err
	}
	d.DeviceID = uint16(device)

	irq, err := d.readAttr("irq", 10)
	if err != nil {
		return err
	}
	d.IRQ = int(irq)

	class, err := d.readAttr("class", 16)
	if err != nil {
		return err
	}
	d.ClassCode = uint32(class)

	_, err = os.Stat(filepath.Join(d.path, "physfn"))
	d.IsVirtFn = err == nil

	d.HasExtCfg = d.probeExtCfg()

	d.PCIeFlags = 0xffff
	if pos := d.FindNextCap(0, capPCIExpress); pos != 0 {
		flags, err := d.GetWord(pos + expFlags)
		if err != nil {
			return fmt.Errorf("reading express capability at %#x: %w", pos, err)
		}
		d.PCIeFlags = flags
	}
	return nil
}

func (d *Device) readAttr(name string, base int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if base == 16 {
		s = strings.TrimPrefix(s, "0x")
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s attribute %q: %w", name, s, err)
	}
	return v, nil
}

// readResource decodes the seven "start end flags" lines of the sysfs
// resource file into BAR regions.
func (d *Device) readResource() error {
	data, err := os.ReadFile(filepath.Join(d.path, "resource"))
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < numRegions {
		return fmt.Errorf("resource file of %s too short: %d lines", d.Addr, len(lines))
	}

	for i := 0; i < numRegions; i++ {
		fields := strings.Fields(lines[i])
		if len(fields) != 3 {
			return fmt.Errorf("bad resource line %q", lines[i])
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("bad resource start %q: %w", fields[0], err)
		}
		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return fmt.Errorf("bad resource end %q: %w", fields[1], err)
		}
		flags, err := strconv.ParseUint(fields[2], 0, 64)
		if err != nil {
			return fmt.Errorf("bad resource flags %q: %w", fields[2], err)
		}

		r := &d.Regions[i]
		if start != 0 {
			r.Size = end - start + 1
		}
		r.Base = start
		r.BusFlags = uint32(flags) & ioresourceBits
		if flags&ioresourceIO != 0 {
			r.Type |= RegionTypeIO
		}
		if flags&ioresourceMem != 0 {
			r.Type |= RegionTypeMem
		}
		if flags&ioresourcePrefetch != 0 {
			r.Type |= RegionTypePrefetch
		}
		if flags&ioresourceMem64 != 0 {
			r.Type |= RegionTypeMem64
		}
	}
	return nil
}

func (d *Device) probeExtCfg() bool {
	header, err := d.GetLong(configSpaceSize)
	if err != nil {
		return false
	}
	return header != 0 && header != 0xffffffff
}

func (d *Device) configRead(pos uint32, buf []byte) error {
	for {
		n, err := unix.Pread(d.fd, buf, int64(pos))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("config read at %#x: %w", pos, err)
		}
		if n != len(buf) {
			return fmt.Errorf("config read at %#x: short read (%d of %d)", pos, n, len(buf))
		}
		return nil
	}
}

func (d *Device) configWrite(pos uint32, buf []byte) error {
	for {
		n, err := unix.Pwrite(d.fd, buf, int64(pos))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("config write at %#x: %w", pos, err)
		}
		if n != len(buf) {
			return fmt.Errorf("config write at %#x: short write (%d of %d)", pos, n, len(buf))
		}
		return nil
	}
}

func (d *Device) GetByte(pos uint32) (uint8, error) {
	var buf [1]byte
	if err := d.configRead(pos, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) GetWord(pos uint32) (uint16, error) {
	var buf [2]byte
	if err := d.configRead(pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *Device) GetLong(pos uint32) (uint32, error) {
	var buf [4]byte
	if err := d.configRead(pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) GetBlock(pos uint32, buf []byte) error {
	return d.configRead(pos, buf)
}

func (d *Device) SetByte(pos uint32, v uint8) error {
	buf := [1]byte{v}
	return d.configWrite(pos, buf[:])
}

func (d *Device) SetWord(pos uint32, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return d.configWrite(pos, buf[:])
}

func (d *Device) SetLong(pos uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.configWrite(pos, buf[:])
}

func (d *Device) SetBlock(pos uint32, buf []byte) error {
	return d.configWrite(pos, buf)
}

// FindNextCap walks the legacy capability list for id starting after the
// capability at pos (0 starts at the list head). A missing list, read
// failure or malformed chain yields 0.
func (d *Device) FindNextCap(pos uint32, id uint16) uint32 {
	status, err := d.GetByte(regStatus)
	if err != nil || status&statusCapList == 0 {
		return 0
	}

	// the head pointer at 0x34 and each capability's next pointer at
	// pos+1 are both single bytes
	cur := uint32(regCapabilityList)
	if pos >= regCapabilityList {
		cur = pos + 1
	}
	for hops := 0; hops < maxCapHops; hops++ {
		next, err := d.GetByte(cur)
		if err != nil || next == 0 {
			return 0
		}
		cur = uint32(next)

		capID, err := d.GetByte(cur)
		if err != nil || capID == 0xff {
			return 0
		}
		if uint16(capID) == id {
			return cur
		}
		cur++ // advance to the next pointer byte
	}
	return 0
}

// FindNextExtCap walks the extended capability list for id starting after pos
// (0 starts at 0x100). Returns 0 when the capability is absent or the
// extended space is unreadable.
func (d *Device) FindNextExtCap(pos uint32, id uint16) uint32 {
	if !d.HasExtCfg {
		return 0
	}

	if pos == 0 {
		pos = configSpaceSize
	} else {
		header, err := d.GetLong(pos)
		if err != nil {
			return 0
		}
		pos = header >> 20 & 0xffc
	}

	for hops := 0; hops < maxExtCapHops; hops++ {
		if pos == 0 || pos < configSpaceSize {
			return 0
		}
		header, err := d.GetLong(pos)
		if err != nil || header == 0 || header == 0xffffffff {
			return 0
		}
		if uint16(header&0xffff) == id {
			return pos
		}
		pos = header >> 20 & 0xffc
	}
	return 0
}

// Close releases the config space descriptor. The device must not be used
// afterwards.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
