package ptconf

import (
	"errors"
	"fmt"
)

// MSIBackend programs machine-level message-signalled interrupt routing. Bind
// allocates a route for the given message and returns an opaque handle;
// Update reprograms an existing route; Unbind releases it. A nil backend makes
// every guest enable attempt fail softly (the enable bit stays clear).
type MSIBackend interface {
	Bind(addrLo, addrHi uint32, data uint16) (uint32, error)
	Update(handle uint32, addrLo, addrHi uint32, data uint16) error
	Unbind(handle uint32)
}

// MSIXBackend reacts to guest MSI-X enable transitions. The vector table
// itself lives in BAR memory and is outside this engine; the backend is only
// told when the function-level enable state changes.
type MSIXBackend interface {
	Update()
	Disable()
}

// OpRegionAccess virtualizes the graphics OpRegion dword at its fixed header
// offset.
type OpRegionAccess interface {
	ReadOpRegion() uint32
	WriteOpRegion(v uint32)
}

type msiState struct {
	flags      uint16
	addrLo     uint32
	addrHi     uint32
	data       uint16
	mask       uint32
	ctrlOffset uint32

	initialized bool // route allocated
	mapped      bool // route programmed and live
	handle      uint32
}

func (m *msiState) is64Bit() bool { return m.flags&msiFlags64Bit != 0 }
func (m *msiState) hasMask() bool { return m.flags&msiFlagsMaskBit != 0 }

type msixState struct {
	ctrlOffset uint32
	enabled    bool
	maskAll    bool

	entries  int
	tableBAR uint32
	tableOff uint32
	pbaBAR   uint32
	pbaOff   uint32
}

// setHostMSIEnable flips the physical MSI enable bit without touching the
// rest of the control word.
func (e *Engine) setHostMSIEnable(enable bool) error {
	ctrl, err := e.host.GetWord(e.msi.ctrlOffset)
	if err != nil {
		return err
	}
	if enable {
		ctrl |= msiFlagsEnable
	} else {
		ctrl &^= msiFlagsEnable
	}
	return e.host.SetWord(e.msi.ctrlOffset, ctrl)
}

func (e *Engine) msiSetup() error {
	msi := e.msi
	if msi.initialized {
		return errors.New("route already allocated")
	}
	if e.msiBackend == nil {
		return errors.New("no interrupt backend")
	}
	handle, err := e.msiBackend.Bind(msi.addrLo, msi.addrHi, msi.data)
	if err != nil {
		return err
	}
	msi.handle = handle
	return nil
}

func (e *Engine) msiUpdate() error {
	msi := e.msi
	if e.msiBackend == nil {
		return errors.New("no interrupt backend")
	}
	return e.msiBackend.Update(msi.handle, msi.addrLo, msi.addrHi, msi.data)
}

// msiDisable drops the route and the physical enable bit. Safe to call in any
// state; teardown relies on that.
func (e *Engine) msiDisable() {
	msi := e.msi
	if msi == nil {
		return
	}
	if err := e.setHostMSIEnable(false); err != nil {
		e.log.Warn("clearing physical MSI enable", "err", err)
	}
	if msi.mapped && e.msiBackend != nil {
		e.msiBackend.Unbind(msi.handle)
	}
	msi.flags &^= msiFlagsEnable
	msi.initialized = false
	msi.mapped = false
	msi.handle = 0
}

func (e *Engine) msixDisable() {
	if e.msix == nil {
		return
	}
	if e.msixBackend != nil {
		e.msixBackend.Disable()
	}
	e.msix.enabled = false
}

// msiOffsetKind distinguishes the three position-dependent MSI registers.
type msiOffsetKind int

const (
	msiKindData msiOffsetKind = iota
	msiKindMask
	msiKindPending
)

// msiOffsetMatches reports whether a catalog offset is the live one for its
// kind given the capability's 64-bit flag. The three trailing registers move
// by 4 bytes on 64-bit-capable functions.
func msiOffsetMatches(offset uint32, flags uint16, kind msiOffsetKind) bool {
	is64 := flags&msiFlags64Bit != 0
	switch kind {
	case msiKindData:
		if is64 {
			return offset == msiData64
		}
		return offset == msiData32
	case msiKindMask:
		if is64 {
			return offset == msiMask64
		}
		return offset == msiMask32
	default:
		if is64 {
			return offset == msiMask64+4
		}
		return offset == msiMask32+4
	}
}

func msgctrlRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	ctrl, err := e.host.GetWord(realOffset)
	if err != nil {
		return 0, err
	}
	if ctrl&msiFlagsEnable != 0 {
		e.log.Info("MSI already enabled, disabling it first")
		if err := e.host.SetWord(realOffset, ctrl&^msiFlagsEnable); err != nil {
			return 0, err
		}
	}
	msi := e.msi
	msi.flags |= ctrl
	msi.ctrlOffset = realOffset
	msi.initialized = false
	msi.mapped = false
	return info.initVal, nil
}

func msgctrlRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	msi := e.msi

	// multi-vector is not supported; a single route is programmed
	if val&msiFlagsQSize != 0 {
		e.log.Warn("guest requested more than one MSI vector", "ctrl", fmt.Sprintf("%#04x", val))
	}

	writable := info.emuMask &^ info.roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))
	msi.flags |= uint16(e.cfgGet(r)) &^ msiFlagsEnable

	out := merge(val, devVal, e.throughable(info, validMask))

	if out&msiFlagsEnable != 0 {
		if !msi.initialized {
			e.log.Info("setting up MSI route", "ctrl", fmt.Sprintf("%#04x", out))
			if err := e.msiSetup(); err != nil {
				e.log.Warn("cannot bind MSI", "err", err)
				return out &^ msiFlagsEnable, nil
			}
			if err := e.msiUpdate(); err != nil {
				e.log.Warn("cannot map MSI", "err", err)
				return out &^ msiFlagsEnable, nil
			}
			msi.initialized = true
			msi.mapped = true
		}
		msi.flags |= msiFlagsEnable
	} else if msi.mapped {
		e.msiDisable()
	}
	return out, nil
}

func msgaddr32RegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	msi := e.msi

	writable := info.emuMask &^ info.roMask & validMask
	old := e.cfgGet(r)
	e.cfgSet(r, merge(val, old, writable))
	msi.addrLo = e.cfgGet(r)

	if msi.addrLo != old && msi.mapped {
		if err := e.msiUpdate(); err != nil {
			e.log.Warn("updating MSI route", "err", err)
		}
	}
	return devVal, nil
}

func msgaddr64RegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	if !e.msi.is64Bit() {
		return invalidReg, nil
	}
	return info.initVal, nil
}

func msgaddr64RegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	msi := e.msi

	if !msi.is64Bit() {
		return 0, errors.New("upper address write without 64-bit support")
	}

	writable := info.emuMask &^ info.roMask & validMask
	old := e.cfgGet(r)
	e.cfgSet(r, merge(val, old, writable))
	msi.addrHi = e.cfgGet(r)

	if msi.addrHi != old && msi.mapped {
		if err := e.msiUpdate(); err != nil {
			e.log.Warn("updating MSI route", "err", err)
		}
	}
	return devVal, nil
}

func msgdataRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	if !msiOffsetMatches(info.offset, e.msi.flags, msiKindData) {
		return invalidReg, nil
	}
	return info.initVal, nil
}

func msgdataRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	msi := e.msi

	if !msiOffsetMatches(info.offset, msi.flags, msiKindData) {
		return 0, fmt.Errorf("data write at offset %#02x does not match message layout", info.offset)
	}

	writable := info.emuMask &^ info.roMask & validMask
	old := e.cfgGet(r)
	e.cfgSet(r, merge(val, old, writable))
	msi.data = uint16(e.cfgGet(r))

	if e.cfgGet(r) != old && msi.mapped {
		if err := e.msiUpdate(); err != nil {
			e.log.Warn("updating MSI route", "err", err)
		}
	}
	return devVal, nil
}

func maskRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	msi := e.msi
	if !msi.hasMask() || !msiOffsetMatches(info.offset, msi.flags, msiKindMask) {
		return invalidReg, nil
	}
	return info.initVal, nil
}

func maskRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	out, err := emuRegWrite(e, r, val, devVal, validMask)
	if err != nil {
		return 0, err
	}
	e.msi.mask = out
	return out, nil
}

func pendingRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	msi := e.msi
	if !msi.hasMask() || !msiOffsetMatches(info.offset, msi.flags, msiKindPending) {
		return invalidReg, nil
	}
	return info.initVal, nil
}

var msiRegs = []regInfo{
	{
		offset:  capListNext,
		size:    1,
		roMask:  0xff,
		emuMask: 0xff,
		init:    capNextRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  msiFlags,
		size:    2,
		resMask: 0xfe00,
		roMask:  0x018e,
		emuMask: 0x017e,
		init:    msgctrlRegInit,
		read:    emuRegRead,
		write:   msgctrlRegWrite,
	},
	{
		offset:  msiAddressLo,
		size:    4,
		roMask:  0x00000003,
		emuMask: allOnes,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   msgaddr32RegWrite,
	},
	{
		offset:  msiAddressHi,
		size:    4,
		emuMask: allOnes,
		init:    msgaddr64RegInit,
		read:    emuRegRead,
		write:   msgaddr64RegWrite,
	},
	{
		offset:  msiData32,
		size:    2,
		emuMask: 0xffff,
		init:    msgdataRegInit,
		read:    emuRegRead,
		write:   msgdataRegWrite,
	},
	{
		offset:  msiData64,
		size:    2,
		emuMask: 0xffff,
		init:    msgdataRegInit,
		read:    emuRegRead,
		write:   msgdataRegWrite,
	},
	{
		offset:  msiMask32,
		size:    4,
		roMask:  allOnes,
		emuMask: allOnes,
		init:    maskRegInit,
		read:    emuRegRead,
		write:   maskRegWrite,
	},
	{
		offset:  msiMask64,
		size:    4,
		roMask:  allOnes,
		emuMask: allOnes,
		init:    maskRegInit,
		read:    emuRegRead,
		write:   maskRegWrite,
	},
	{
		offset: msiMask32 + 4,
		size:   4,
		roMask: allOnes,
		init:   pendingRegInit,
		read:   emuRegRead,
		write:  emuRegWrite,
	},
	{
		offset: msiMask64 + 4,
		size:   4,
		roMask: allOnes,
		init:   pendingRegInit,
		read:   emuRegRead,
		write:  emuRegWrite,
	},
}

// msiSizeInit probes the host control word to size the capability and
// allocates the message state.
func msiSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	ctrl, err := e.host.GetWord(base + msiFlags)
	if err != nil {
		return 0, err
	}
	size := uint32(0x0a)
	if ctrl&msiFlags64Bit != 0 {
		size += 4
	}
	if ctrl&msiFlagsMaskBit != 0 {
		size += 10
	}
	e.msi = &msiState{}
	return size, nil
}

func msixctrlRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	ctrl, err := e.host.GetWord(realOffset)
	if err != nil {
		return 0, err
	}
	if ctrl&msixFlagsEnable != 0 {
		e.log.Info("MSI-X already enabled, disabling it first")
		if err := e.host.SetWord(realOffset, ctrl&^msixFlagsEnable); err != nil {
			return 0, err
		}
	}
	e.msix.ctrlOffset = realOffset
	return info.initVal, nil
}

func msixctrlRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	msix := e.msix

	writable := info.emuMask &^ info.roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))

	out := merge(val, devVal, e.throughable(info, validMask))

	if out&msixFlagsEnable != 0 && out&msixFlagsMaskAll == 0 {
		if e.msixBackend != nil {
			e.msixBackend.Update()
		}
	} else if out&msixFlagsEnable == 0 && msix.enabled {
		e.msixDisable()
	}

	wasEnabled := msix.enabled
	msix.enabled = out&msixFlagsEnable != 0
	if msix.enabled != wasEnabled {
		if msix.enabled {
			e.log.Info("enable MSI-X")
		} else {
			e.log.Info("disable MSI-X")
		}
	}
	msix.maskAll = out&msixFlagsMaskAll != 0
	return out, nil
}

var msixRegs = []regInfo{
	{
		offset:  capListNext,
		size:    1,
		roMask:  0xff,
		emuMask: 0xff,
		init:    capNextRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  msixFlags,
		size:    2,
		resMask: 0x3800,
		roMask:  0x07ff,
		init:    msixctrlRegInit,
		read:    emuRegRead,
		write:   msixctrlRegWrite,
	},
}

// msixSizeInit captures table and PBA geometry and makes sure the hardware
// function starts out disabled. The emulated structure keeps its fixed size.
func msixSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	ctrl, err := e.host.GetWord(base + msixFlags)
	if err != nil {
		return 0, err
	}
	table, err := e.host.GetLong(base + msixTable)
	if err != nil {
		return 0, err
	}
	pba, err := e.host.GetLong(base + msixPBA)
	if err != nil {
		return 0, err
	}
	e.msix = &msixState{
		entries:  int(ctrl&msixFlagsQSize) + 1,
		tableBAR: table & 0x7,
		tableOff: table &^ 0x7,
		pbaBAR:   pba & 0x7,
		pbaOff:   pba &^ 0x7,
	}
	return g.size, nil
}
