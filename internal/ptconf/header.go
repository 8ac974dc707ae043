package ptconf

import "fmt"

// Type 0 header emulation. The header is treated as a 64-byte group at base 0
// with a fixed register set; BARs get their masks computed at access time from
// the host resource layout instead of static descriptors.

type barKind int

const (
	barUnused barKind = iota
	barIO
	barMem
	barUpper
)

func barOffsetToIndex(offset uint32) int {
	if offset == regROMAddress {
		return romSlot
	}
	idx := int(offset-regBaseAddress0) / 4
	if idx < 0 || idx >= romSlot {
		return -1
	}
	return idx
}

// barParse classifies a BAR slot from the host resource layout. The upper
// half of a 64-bit memory BAR is detected by looking at the preceding slot.
func (e *Engine) barParse(index int) barKind {
	if index > 0 && index < romSlot {
		t := e.info.Regions[index-1].Type
		if t&RegionTypeMem != 0 && t&RegionTypeMem64 != 0 &&
			e.barFlag[index-1] != barUpper {
			return barUpper
		}
	}
	if e.info.Regions[index].Size == 0 {
		return barUnused
	}
	if index == romSlot {
		return barMem
	}
	if e.info.Regions[index].Type&RegionTypeIO != 0 {
		return barIO
	}
	return barMem
}

// emulatedBARSize pads memory resources to the page size the guest will see.
func emulatedBARSize(kind barKind, size uint64) uint64 {
	if kind == barMem {
		return (size + pageSize - 1) &^ uint64(pageSize-1)
	}
	return size
}

func barRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	index := barOffsetToIndex(info.offset)
	if index < 0 {
		return 0, fmt.Errorf("%w: no BAR slot for offset %#02x", errCatalog, info.offset)
	}
	e.barFlag[index] = e.barParse(index)
	if e.barFlag[index] == barUnused {
		return invalidReg, nil
	}
	return 0, nil
}

// barRegRead rebuilds the guest view from the host resource base plus the
// hardware flag bits, then lays the guest-programmed address bits over it.
func barRegRead(e *Engine, r *Reg, hostVal, validMask uint32) (uint32, error) {
	index := barOffsetToIndex(r.info.offset)
	if index < 0 {
		return 0, fmt.Errorf("%w: no BAR slot for offset %#02x", errCatalog, r.info.offset)
	}

	var emuMask uint32
	region := &e.info.Regions[index]
	switch e.barFlag[index] {
	case barMem:
		hostVal = uint32(region.Base) | (region.BusFlags & barMemROMask)
		emuMask = barMemEmuMask
	case barIO:
		hostVal = uint32(region.Base) | (region.BusFlags & barIOROMask)
		emuMask = barIOEmuMask
	case barUpper:
		hostVal = uint32(region.Base)
		emuMask = allOnes
	}

	return merge(e.cfgGet(r), hostVal, emuMask&validMask), nil
}

// barRegWrite folds the guest-programmed address into the software copy but
// never lets it reach hardware: the forwarded value is always the device's
// own. Address bits below the (page-rounded) resource size are kept read-only
// so the guest sees a correctly sized BAR probe.
func barRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	index := barOffsetToIndex(r.info.offset)
	if index < 0 {
		return 0, fmt.Errorf("%w: no BAR slot for offset %#02x", errCatalog, r.info.offset)
	}

	var emuMask, roMask uint32
	rSize := uint32(emulatedBARSize(e.barFlag[index], e.info.Regions[index].Size))
	switch e.barFlag[index] {
	case barMem:
		emuMask = barMemEmuMask
		if rSize == 0 {
			// low half of a 64-bit BAR whose size lives entirely above 4G
			roMask = allOnes
		} else {
			roMask = barMemROMask | (rSize - 1)
		}
	case barIO:
		emuMask = barIOEmuMask
		roMask = barIOROMask | (rSize - 1)
	case barUpper:
		rSize = uint32(e.info.Regions[index-1].Size >> 32)
		emuMask = allOnes
		if rSize != 0 {
			roMask = rSize - 1
		}
	}

	writable := emuMask &^ roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))
	return devVal, nil
}

// romBarWrite behaves like a memory BAR write except the enable bit is
// guest-writable and passed through.
func romBarWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	rSize := uint32(emulatedBARSize(barMem, e.info.Regions[romSlot].Size))
	roMask := (r.info.roMask | (rSize - 1)) &^ romAddressEnable

	writable := ^roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))
	return merge(val, devVal, e.throughable(r.info, validMask)), nil
}

// cmdRegWrite is the generic emulated write plus INTx policy: the disable bit
// is forwarded when the guest requests it, and also whenever a host interrupt
// line is bound, so a bound line can never be left enabled by a guest clear.
func cmdRegWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	info := r.info
	writable := ^info.roMask & validMask
	e.cfgSet(r, merge(val, e.cfgGet(r), writable))

	through := e.throughable(info, validMask)
	if val&commandINTxDisable != 0 || e.machineIRQ {
		through |= commandINTxDisable
	}
	return merge(val, devVal, through), nil
}

func vendorIDRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	return uint32(e.info.VendorID), nil
}

func deviceIDRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	return uint32(e.info.DeviceID), nil
}

// statusRegInit derives the capability-list bit from the emulated capability
// pointer so the guest only chases a chain that actually exists in its view.
func statusRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	grp := e.findGroup(regCapabilityList)
	if grp == nil {
		return 0, fmt.Errorf("%w: header group missing during status init", errCatalog)
	}
	reg := grp.findRegAt(regCapabilityList)
	if reg == nil {
		return 0, fmt.Errorf("%w: capability pointer register missing during status init", errCatalog)
	}
	var v uint32
	if e.cfgGet(reg) != 0 {
		v |= statusCapList
	}
	return v, nil
}

func headerTypeRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	return info.initVal | headerTypeMultiFn, nil
}

func irqPinRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	if e.info.IRQ == 0 {
		return 0, nil
	}
	v, err := e.host.GetByte(regInterruptPin)
	if err != nil {
		return 0, fmt.Errorf("reading interrupt pin: %w", err)
	}
	return uint32(v), nil
}

var headerRegs = []regInfo{
	{
		offset:  regVendorID,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    vendorIDRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  regDeviceID,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    deviceIDRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  regCommand,
		size:    2,
		resMask: 0xf880,
		emuMask: 0x0743,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   cmdRegWrite,
	},
	{
		offset:  regCapabilityList,
		size:    1,
		roMask:  0xff,
		emuMask: 0xff,
		init:    capPtrRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:   regStatus,
		size:     2,
		resMask:  0x0007,
		roMask:   0x06f8,
		rw1cMask: 0xf900,
		emuMask:  0x0010,
		init:     statusRegInit,
		read:     emuRegRead,
		write:    emuRegWrite,
	},
	{
		offset:  regCacheLineSize,
		size:    1,
		emuMask: 0xff,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  regLatencyTimer,
		size:    1,
		emuMask: 0xff,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset: regHeaderType,
		size:   1,
		roMask: 0xff,
		init:   headerTypeRegInit,
		read:   emuRegRead,
		write:  emuRegWrite,
	},
	{
		offset:  regInterruptLine,
		size:    1,
		emuMask: 0xff,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  regInterruptPin,
		size:    1,
		roMask:  0xff,
		emuMask: 0xff,
		init:    irqPinRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset: regBaseAddress0,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset: regBaseAddress0 + 4,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset: regBaseAddress0 + 8,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset: regBaseAddress0 + 12,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset: regBaseAddress0 + 16,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset: regBaseAddress0 + 20,
		size:   4,
		init:   barRegInit,
		read:   barRegRead,
		write:  barRegWrite,
	},
	{
		offset:  regROMAddress,
		size:    4,
		roMask:  ^uint32(romAddressMask) &^ romAddressEnable,
		emuMask: romAddressMask,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   romBarWrite,
	},
}
