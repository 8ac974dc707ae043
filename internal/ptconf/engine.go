// Package ptconf virtualizes the PCI configuration space of a passed-through
// host device. Guest accesses are merged bit-by-bit with live hardware state:
// emulated bits come from a software-held copy, read-only and reserved bits
// are protected, and everything else reaches the physical function. The
// capability chains (legacy and PCI Express extended) are rewritten so
// capabilities the guest must not see are spliced out or blanked.
package ptconf

import (
	"errors"
	"fmt"
	"log/slog"
)

// errCatalog marks internal inconsistencies between the capability catalog
// and the attached device state. These indicate a programming error, not a
// device condition.
var errCatalog = errors.New("register catalog inconsistency")

// HostDevice is the engine's window onto the physical function's
// configuration space. Offsets are absolute; multi-byte values are
// little-endian on the wire and native here.
type HostDevice interface {
	GetByte(pos uint32) (uint8, error)
	GetWord(pos uint32) (uint16, error)
	GetLong(pos uint32) (uint32, error)
	SetByte(pos uint32, v uint8) error
	SetWord(pos uint32, v uint16) error
	SetLong(pos uint32, v uint32) error

	// FindNextCap walks the legacy capability list for id, starting after
	// pos (0 starts from the list head). Returns 0 when absent.
	FindNextCap(pos uint32, id uint16) uint32
	// FindNextExtCap does the same for the extended capability list.
	FindNextExtCap(pos uint32, id uint16) uint32
}

// Region describes one host BAR resource as discovered from the kernel.
type Region struct {
	Base     uint64
	Size     uint64
	Type     uint32 // RegionType* flags
	BusFlags uint32 // low bits of the raw BAR value
}

// DeviceInfo carries the static identity of the host function.
type DeviceInfo struct {
	VendorID  uint16
	DeviceID  uint16
	IRQ       int
	Regions   [numRegions]Region
	PCIeFlags uint16 // cached PCI Express capabilities word, 0xffff if absent
	HasExtCfg bool   // extended (4 KiB) configuration space present
}

// Options tunes engine behavior at attach time.
type Options struct {
	Logger *slog.Logger

	// Permissive lets guest writes reach reserved bits.
	Permissive bool

	// MachineIRQ marks that a host interrupt line is bound to the guest,
	// which changes how the command register's INTx disable bit is handled.
	MachineIRQ bool

	MSI      MSIBackend
	MSIX     MSIXBackend
	OpRegion OpRegionAccess

	// HideLegacyCaps and HideExtCaps name additional capabilities to blank
	// out of the guest view, beyond the built-in quirks.
	HideLegacyCaps []uint8
	HideExtCaps    []uint16
}

// Engine is the virtual configuration space of one passed-through function.
// It is single-actor: all methods must be called from one goroutine.
type Engine struct {
	host HostDevice
	info DeviceInfo
	log  *slog.Logger

	cfg    []byte // guest-visible image; emulated bits live here
	groups []*RegGroup

	permissive bool
	machineIRQ bool
	hidden     map[capID]struct{}

	msi         *msiState
	msix        *msixState
	msiBackend  MSIBackend
	msixBackend MSIXBackend
	opregion    OpRegionAccess

	barFlag   [numRegions]barKind
	fakeCapID uint16
}

// New builds an engine over a host device. Call Init before serving guest
// accesses and Delete when detaching.
func New(host HostDevice, info DeviceInfo, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cfgSize := configSpaceSize
	if info.HasExtCfg {
		cfgSize = extConfigSpaceSize
	}

	hidden := make(map[capID]struct{})
	for _, id := range opts.HideLegacyCaps {
		hidden[legacyCap(id)] = struct{}{}
	}
	for _, id := range opts.HideExtCaps {
		hidden[extCap(id)] = struct{}{}
	}

	return &Engine{
		host:        host,
		info:        info,
		log:         log,
		cfg:         make([]byte, cfgSize),
		permissive:  opts.Permissive,
		machineIRQ:  opts.MachineIRQ,
		hidden:      hidden,
		msiBackend:  opts.MSI,
		msixBackend: opts.MSIX,
		opregion:    opts.OpRegion,
		fakeCapID:   fakeCapIDBase,
	}
}

// Init discovers the device's capabilities and materializes the virtual
// register groups. On any failure the engine is torn down to its pre-attach
// state before the error is returned.
func (e *Engine) Init() error {
	for i := range regGroups {
		info := &regGroups[i]
		if err := e.initGroup(info); err != nil {
			e.Delete()
			return fmt.Errorf("initializing %s: %w", info.id, err)
		}
	}
	return nil
}

func (e *Engine) initGroup(info *regGroupInfo) error {
	var base uint32
	kind := info.kind

	switch info.id {
	case groupHeader:
		base = 0
	case groupOpRegion:
		if e.opregion == nil {
			return nil
		}
		base = opRegionOffset
	default:
		if info.id.isExt() && !e.info.HasExtCfg {
			return nil
		}
		base = e.findCapOffset(info.id)
		if base == 0 {
			return nil
		}
		if e.hideCap(info.id) {
			if !info.id.isExt() || base != extCapBaseOffset {
				return nil
			}
			// hidden but heading the extended list: cannot be spliced out,
			// so present a blanked structure under a fake capability id
			kind = groupHardwired
		}
	}

	size := info.size
	if info.sizeInit != nil {
		var err error
		size, err = info.sizeInit(e, info, base)
		if err != nil {
			return fmt.Errorf("sizing: %w", err)
		}
	}

	budget := uint32(configSpaceSize)
	if info.id.isExt() {
		budget = extConfigSpaceSize
	}
	if base+size > budget {
		e.log.Warn("capability reports anomalous size, clamping",
			"cap", info.id.String(), "base", base, "size", size)
		size = budget - base
	}

	g := &RegGroup{info: info, kind: kind, base: base, size: size}
	e.groups = append(e.groups, g)

	if kind == groupEmulated || (kind == groupHardwired && base == extCapBaseOffset) {
		for j := range info.regs {
			ri := &info.regs[j]
			// catalog slots past the resolved (or clamped) extent are not
			// materialized
			if ri.offset+ri.size > size {
				e.log.Debug("register outside capability extent, skipping",
					"cap", info.id.String(), "offset", ri.offset)
				continue
			}
			if err := e.initReg(g, ri); err != nil {
				return fmt.Errorf("register at %#02x: %w", ri.offset, err)
			}
		}
	}
	return nil
}

// initReg runs a register's initializer and reconciles the emulated image
// with current hardware state: host-owned bits are taken from the device,
// emulated bits from the initializer. A mismatch outside the emulated mask is
// logged and resolved in the hardware's favor.
func (e *Engine) initReg(g *RegGroup, info *regInfo) error {
	r := &Reg{info: info, off: g.base + info.offset}
	if info.init != nil {
		data, err := info.init(e, info, r.off)
		if err != nil {
			return err
		}
		if data == invalidReg {
			return nil
		}

		hostVal, err := e.hostRead(r.off, info.size)
		if err != nil {
			return fmt.Errorf("reading host value: %w", err)
		}

		sizeMask := widthMask(info.size)
		hostMask := sizeMask &^ info.emuMask
		val := data
		if data&hostMask != hostVal&hostMask {
			val = hostVal&hostMask | data&info.emuMask&sizeMask
			e.log.Info("register mismatch with hardware, syncing",
				"offset", fmt.Sprintf("%#04x", r.off),
				"emulated", fmt.Sprintf("%#04x", data),
				"host", fmt.Sprintf("%#04x", hostVal),
				"synced", fmt.Sprintf("%#04x", val))
		}
		if val&^sizeMask != 0 {
			return fmt.Errorf("%w: value %#x at %#04x expands past register size %d",
				errCatalog, val, r.off, info.size)
		}
		e.cfgSet(r, val)
	}
	g.regs = append(g.regs, r)
	return nil
}

// Delete tears the virtualization down unconditionally: live interrupt routes
// are released and all groups dropped. Safe to call at any point, including
// mid-failed Init.
func (e *Engine) Delete() {
	if e.msi != nil && e.msi.mapped {
		e.msiDisable()
	}
	e.msixDisable()
	e.msi = nil
	e.msix = nil
	e.groups = nil
}

func (e *Engine) checkAccess(addr, size uint32) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("invalid access size %d", size)
	}
	if addr%size != 0 {
		return fmt.Errorf("unaligned %d-byte access at %#04x", size, addr)
	}
	if addr+size > uint32(len(e.cfg)) {
		return fmt.Errorf("access at %#04x outside configuration space", addr)
	}
	return nil
}

func (e *Engine) hostRead(pos, size uint32) (uint32, error) {
	switch size {
	case 1:
		v, err := e.host.GetByte(pos)
		return uint32(v), err
	case 2:
		v, err := e.host.GetWord(pos)
		return uint32(v), err
	default:
		return e.host.GetLong(pos)
	}
}

func (e *Engine) hostWrite(pos, size, v uint32) error {
	switch size {
	case 1:
		return e.host.SetByte(pos, uint8(v))
	case 2:
		return e.host.SetWord(pos, uint16(v))
	default:
		return e.host.SetLong(pos, v)
	}
}

// ReadConfig serves a guest configuration read. Bytes outside any virtual
// register pass straight through from hardware; bytes of a hardwired group
// read as zero except for the emulated extended-capability header.
func (e *Engine) ReadConfig(addr, size uint32) (uint32, error) {
	if err := e.checkAccess(addr, size); err != nil {
		return 0, err
	}

	g := e.findGroup(addr)

	var val uint32
	if g == nil || g.kind != groupHardwired {
		var err error
		val, err = e.hostRead(addr, size)
		if err != nil {
			return 0, fmt.Errorf("host read at %#04x: %w", addr, err)
		}
	}
	if g == nil {
		return val, nil
	}

	for _, r := range g.regs {
		lo := max(addr, r.off)
		hi := min(addr+size, r.off+r.info.size)
		if lo >= hi {
			continue
		}
		segMask := widthMask(hi - lo)
		regShift := (lo - r.off) * 8
		accShift := (lo - addr) * 8
		validMask := segMask << regShift

		regHost, err := e.hostRead(r.off, r.info.size)
		if err != nil {
			return 0, fmt.Errorf("host read at %#04x: %w", r.off, err)
		}
		out, err := r.info.read(e, r, regHost, validMask)
		if err != nil {
			return 0, fmt.Errorf("register at %#04x: %w", r.off, err)
		}
		val = val&^(segMask<<accShift) | (out>>regShift&segMask)<<accShift
	}
	return val, nil
}

// WriteConfig serves a guest configuration write. Each overlapped virtual
// register folds the guest bytes into its software copy and decides what, if
// anything, is forwarded to hardware; untouched bytes in the access window
// pass through unchanged. Writes into hardwired groups are discarded.
func (e *Engine) WriteConfig(addr, size, val uint32) error {
	if err := e.checkAccess(addr, size); err != nil {
		return err
	}

	g := e.findGroup(addr)
	if g == nil {
		return e.hostWrite(addr, size, val)
	}
	if g.kind == groupHardwired {
		e.log.Warn("write to hardwired register ignored",
			"addr", fmt.Sprintf("%#04x", addr))
		return nil
	}

	out := val
	for _, r := range g.regs {
		lo := max(addr, r.off)
		hi := min(addr+size, r.off+r.info.size)
		if lo >= hi {
			continue
		}
		segMask := widthMask(hi - lo)
		regShift := (lo - r.off) * 8
		accShift := (lo - addr) * 8
		validMask := segMask << regShift

		devVal, err := e.hostRead(r.off, r.info.size)
		if err != nil {
			return fmt.Errorf("host read at %#04x: %w", r.off, err)
		}
		// register-width guest value: window bytes from the access, the
		// rest from hardware
		wval := devVal&^(segMask<<regShift) | (val>>accShift&segMask)<<regShift

		fwd, err := r.info.write(e, r, wval, devVal, validMask)
		if err != nil {
			return fmt.Errorf("register at %#04x: %w", r.off, err)
		}
		out = out&^(segMask<<accShift) | (fwd>>regShift&segMask)<<accShift
	}
	return e.hostWrite(addr, size, out)
}

// GroupDesc is a read-only view of one attached capability group, for
// inspection tools.
type GroupDesc struct {
	Name      string
	Base      uint32
	Size      uint32
	Hardwired bool
}

// Groups lists the attached capability groups in catalog order.
func (e *Engine) Groups() []GroupDesc {
	out := make([]GroupDesc, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, GroupDesc{
			Name:      g.info.id.String(),
			Base:      g.base,
			Size:      g.size,
			Hardwired: g.kind == groupHardwired,
		})
	}
	return out
}
