package ptconf

import "encoding/binary"

// invalidReg is the sentinel an initializer returns for a register that must
// not be materialized (for example the upper MSI address on a 32-bit-only
// device). Never use it as a real initial value.
const invalidReg = 0xffffffff

type regInit func(e *Engine, info *regInfo, realOffset uint32) (uint32, error)

// regRead merges the freshly read hardware value with the software-held copy
// and returns the value presented to the guest. hostVal carries the hardware
// bits aligned to the register; validMask restricts the merge to the bytes
// actually covered by the guest access.
type regRead func(e *Engine, r *Reg, hostVal, validMask uint32) (uint32, error)

// regWrite applies a guest write: it updates the software-held copy and
// returns the value to forward to the hardware register. devVal is the
// hardware register's current value.
type regWrite func(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error)

// regInfo is a static register descriptor: where the register lives inside
// its capability group, how wide it is, and which bits are emulated,
// read-only, reserved or write-1-to-clear. A bit may be both emulated and
// read-only (a software-visible constant) or emulated and write-1-to-clear;
// the remaining bits pass through to hardware.
type regInfo struct {
	offset   uint32
	size     uint32 // 1, 2 or 4 bytes
	initVal  uint32
	roMask   uint32
	resMask  uint32
	rw1cMask uint32
	emuMask  uint32

	init  regInit
	read  regRead
	write regWrite
}

// Reg is a materialized virtual register: a descriptor bound to a location in
// the guest-visible configuration image. Its lifetime is bound to the owning
// RegGroup.
type Reg struct {
	info *regInfo
	off  uint32 // absolute offset in the guest config image
}

func (e *Engine) cfgGet(r *Reg) uint32 {
	return e.cfgReadVal(r.off, r.info.size)
}

func (e *Engine) cfgSet(r *Reg, v uint32) {
	e.cfgWriteVal(r.off, r.info.size, v)
}

func (e *Engine) cfgReadVal(off, size uint32) uint32 {
	switch size {
	case 1:
		return uint32(e.cfg[off])
	case 2:
		return uint32(binary.LittleEndian.Uint16(e.cfg[off:]))
	default:
		return binary.LittleEndian.Uint32(e.cfg[off:])
	}
}

func (e *Engine) cfgWriteVal(off, size, v uint32) {
	switch size {
	case 1:
		e.cfg[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(e.cfg[off:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(e.cfg[off:], v)
	}
}

// commonRegInit seeds a register from its declared initial value.
func commonRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	return info.initVal, nil
}

// emuRegRead presents emulated bits from the software copy and everything
// else from the live hardware read, so non-emulated bits always reflect
// current hardware state.
func emuRegRead(e *Engine, r *Reg, hostVal, validMask uint32) (uint32, error) {
	return merge(e.cfgGet(r), hostVal, r.info.emuMask&validMask), nil
}

// emuRegWrite folds a guest write into the software copy (emulated,
// non-read-only bits only) and builds the hardware-bound value from the
// throughable bits. Write-1-to-clear bits are stripped from the merge source
// so the forwarded value never spuriously sets them.
func emuRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	writable := info.emuMask &^ info.roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))
	return merge(val, devVal&^info.rw1cMask, e.throughable(info, validMask)), nil
}
