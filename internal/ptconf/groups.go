package ptconf

import "fmt"

type groupKind int

const (
	// groupEmulated groups own virtual registers; guest accesses are merged
	// per register.
	groupEmulated groupKind = iota
	// groupHardwired groups are hidden from the guest: reads return zero and
	// writes are discarded. Their ids are skipped when rebuilding the
	// capability chain.
	groupHardwired
)

// capID identifies a capability group in the catalog. Legacy capability ids
// live in the low byte; extended capability ids carry extCapFlag; the header
// and OpRegion pseudo-groups carry specialFlag.
type capID uint32

const (
	extCapFlag     capID = 0x10000
	specialFlag    capID = 0x20000
	groupHeader          = specialFlag | 0xff
	groupOpRegion        = specialFlag | opRegionOffset
	opRegionOffset       = 0xfc
)

func legacyCap(id uint8) capID { return capID(id) }
func extCap(id uint16) capID   { return extCapFlag | capID(id) }

func (c capID) isExt() bool     { return c&extCapFlag != 0 }
func (c capID) isSpecial() bool { return c&specialFlag != 0 }
func (c capID) raw() uint16     { return uint16(c) }

func (c capID) String() string {
	switch {
	case c.isSpecial():
		return fmt.Sprintf("group %#02x", c.raw())
	case c.isExt():
		return fmt.Sprintf("ext cap %#04x", c.raw())
	default:
		return fmt.Sprintf("cap %#02x", c.raw())
	}
}

type sizeInit func(e *Engine, g *regGroupInfo, base uint32) (uint32, error)

// regGroupInfo is a static catalog entry for one known capability kind.
type regGroupInfo struct {
	id       capID
	kind     groupKind
	size     uint32   // nominal size; sizeInit may refine it
	sizeInit sizeInit // nil keeps the nominal size
	regs     []regInfo
}

// RegGroup is a capability group discovered on the device: the catalog entry
// bound to its resolved base offset and runtime size, owning the virtual
// registers materialized for it.
type RegGroup struct {
	info *regGroupInfo
	kind groupKind // may harden info.kind to hardwired for hidden capabilities
	base uint32
	size uint32
	regs []*Reg
}

func (g *RegGroup) contains(addr uint32) bool {
	return g.base <= addr && addr < g.base+g.size
}

func (g *RegGroup) findRegAt(addr uint32) *Reg {
	for _, r := range g.regs {
		if r.off <= addr && addr < r.off+r.info.size {
			return r
		}
	}
	return nil
}

func (e *Engine) findGroup(addr uint32) *RegGroup {
	for _, g := range e.groups {
		if g.contains(addr) {
			return g
		}
	}
	return nil
}
