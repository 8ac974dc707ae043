package ptconf

import "fmt"

// Capability catalog: every capability structure the engine knows how to
// present, in discovery order. Emulated groups carry register tables; the
// hardwired ones are blanked out of the guest view entirely.

func (e *Engine) pcieVersion() uint8 {
	return uint8(e.info.PCIeFlags & expFlagsVers)
}

func (e *Engine) pcieDeviceType() uint8 {
	return uint8((e.info.PCIeFlags & expFlagsType) >> 4)
}

// Power management.

var pmRegs = []regInfo{
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
		offset:  pmCapFlags,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xf9c8,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:   pmCtrl,
		size:     2,
		initVal:  0x0008,
		resMask:  0x00f0,
		roMask:   0x610c,
		rw1cMask: 0x8000,
		emuMask:  0x810b,
		init:     commonRegInit,
		read:     emuRegRead,
		write:    emuRegWrite,
	},
}

// Vital product data.

var vpdRegs = []regInfo{
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
		offset:  vpdAddr,
		size:    2,
		roMask:  0x0003,
		emuMask: 0x0003,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
}

// Vendor-specific: only the chain pointer is virtualized.

var vendorRegs = []regInfo{
	{
		offset:  capListNext,
		size:    1,
		roMask:  0xff,
		emuMask: 0xff,
		init:    capNextRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
}

func vendorSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	sz, err := e.host.GetByte(base + 0x02)
	return uint32(sz), err
}

// PCI Express.

// expFlagsRegInit fakes endpoint and legacy-endpoint device types as
// root-complex integrated endpoints: a passed-through function sits on the
// guest's root bus, where the real type would fail topology checks.
func expFlagsRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	flags, err := e.host.GetWord(realOffset)
	if err != nil {
		return 0, err
	}
	devType := (flags & expFlagsType) >> 4
	if devType == expTypeEndpoint || devType == expTypeLegacyEnd {
		e.log.Info("masking device type as root complex integrated endpoint",
			"type", devType)
		flags = flags&^expFlagsType | expTypeRCEnd<<4
	}
	return uint32(flags), nil
}

func linkctrlRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	// a v1 root complex integrated endpoint has no link registers
	if e.pcieDeviceType() == expTypeRCEnd && e.pcieVersion() == 1 {
		return invalidReg, nil
	}
	return info.initVal, nil
}

func devctrl2RegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	if e.pcieVersion() == 1 {
		return invalidReg, nil
	}
	return info.initVal, nil
}

// linkctrl2RegInit seeds the target link speed from the hardware's supported
// link speed so a guest speed retrain asks for something the link can do.
func linkctrl2RegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	if e.pcieVersion() == 1 {
		return invalidReg, nil
	}
	lnkcap, err := e.host.GetByte(realOffset - info.offset + expLnkCap)
	if err != nil {
		return 0, err
	}
	return uint32(lnkcap) & expLnkCapSLS, nil
}

var pcieRegs = []regInfo{
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
		offset:  expFlags,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    expFlagsRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  expDevCap,
		size:    4,
		roMask:  allOnes,
		emuMask: 0x10000000,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  expDevCtl,
		size:    2,
		initVal: 0x2810,
		roMask:  0x8400,
		emuMask: 0xffff,
		init:    commonRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:   expDevSta,
		size:     2,
		resMask:  0xffc0,
		roMask:   0x0030,
		rw1cMask: 0x000f,
		init:     commonRegInit,
		read:     emuRegRead,
		write:    emuRegWrite,
	},
	{
		offset:  expLnkCtl,
		size:    2,
		roMask:  0xfc34,
		emuMask: 0xffff,
		init:    linkctrlRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:   expLnkSta,
		size:     2,
		roMask:   0x3fff,
		rw1cMask: 0xc000,
		init:     commonRegInit,
		read:     emuRegRead,
		write:    emuRegWrite,
	},
	{
		offset:  expDevCtl2,
		size:    2,
		roMask:  0xffe0,
		emuMask: 0xffff,
		init:    devctrl2RegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  expLnkCtl2,
		size:    2,
		roMask:  0xe040,
		emuMask: 0xffff,
		init:    linkctrl2RegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
}

func pcieSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	version := e.pcieVersion()
	devType := e.pcieDeviceType()

	switch version {
	case 1:
		switch devType {
		case expTypeEndpoint, expTypeLegacyEnd:
			return 0x14, nil
		case expTypeRCEnd:
			return 0x0c, nil
		}
	case 2:
		switch devType {
		case expTypeEndpoint, expTypeLegacyEnd, expTypeRCEnd:
			return 0x3c, nil
		}
	default:
		return 0, fmt.Errorf("unsupported PCI Express capability version %#x", version)
	}
	return 0, fmt.Errorf("unsupported PCI Express device/port type %#x", devType)
}

// Intel IGD OpRegion: a single fully emulated dword delegating to the
// accessor supplied in the options.

func opregionRead(e *Engine, r *Reg, hostVal, validMask uint32) (uint32, error) {
	return e.opregion.ReadOpRegion() & validMask, nil
}

func opregionWrite(e *Engine, r *Reg, val, devVal, validMask uint32) (uint32, error) {
	e.opregion.WriteOpRegion(val & validMask)
	return val, nil
}

var opregionRegs = []regInfo{
	{
		offset:  0x0,
		size:    4,
		emuMask: allOnes,
		read:    opregionRead,
		write:   opregionWrite,
	},
}

// Extended capability header emulation: id and next-pointer words only, so
// hidden capabilities can be spliced out of the chain. Everything past the
// header passes through.

var extCapDummyRegs = []regInfo{
	{
		offset:  0,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    extCapIDRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  2,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    extCapPtrRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
}

var extCapVendorRegs = []regInfo{
	{
		offset:  0,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    extCapIDRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset:  2,
		size:    2,
		roMask:  0xffff,
		emuMask: 0xffff,
		init:    extCapPtrRegInit,
		read:    emuRegRead,
		write:   emuRegWrite,
	},
	{
		offset: vndrHeader,
		size:   4,
		roMask: allOnes,
		init:   commonRegInit,
		read:   emuRegRead,
		write:  emuRegWrite,
	},
}

// Extended capability size resolvers. Each reads the structure's own
// capability registers to recover the real structure length.

func extVendorSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	hdr, err := e.host.GetLong(base + vndrHeader)
	if err != nil {
		return 0, err
	}
	return hdr >> 20, nil
}

func aerSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	pciePos := e.host.FindNextCap(0, capPCIExpress)
	if pciePos == 0 {
		return 0, fmt.Errorf("cannot find a required PCI Express capability")
	}

	var devcaps2 uint32
	if e.pcieVersion() > 1 {
		var err error
		devcaps2, err = e.host.GetLong(pciePos + expDevCap2)
		if err != nil {
			return 0, fmt.Errorf("reading device capabilities 2: %w", err)
		}
	}

	if devcaps2&devCap2TLPPrefix != 0 {
		aerCaps, err := e.host.GetLong(base + errCapReg)
		if err != nil {
			return 0, fmt.Errorf("reading error capability register: %w", err)
		}
		if aerCaps&errCapTLPPrefixLog != 0 {
			return 0x48, nil
		}
	}

	switch e.pcieDeviceType() {
	case expTypeRootPort, expTypeRCEC:
		return 0x38, nil
	}
	return 0x2c, nil
}

func rcldSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	selfDescr, err := e.host.GetLong(base + 4)
	if err != nil {
		return 0, err
	}
	return 0x10 + (selfDescr>>8&0xff)*0x10, nil
}

func acsSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	acsCaps, err := e.host.GetWord(base + acsCapReg)
	if err != nil {
		return 0, err
	}
	if acsCaps&acsCapEC == 0 {
		return acsEgressCtlV, nil
	}
	vectorBits := uint32(acsCaps >> 8 & 0xff)
	if vectorBits == 0 {
		vectorBits = 256
	}
	return acsEgressCtlV + ((vectorBits+7)&^7)/8, nil
}

func multicastSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	switch e.pcieDeviceType() {
	case expTypeRootPort, expTypeUpstream, expTypeDownstream:
		return mcastRoutingSize, nil
	}
	return mcastEndpointSize, nil
}

func dpaSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	dpaCaps, err := e.host.GetLong(base + dpaCapReg)
	if err != nil {
		return 0, err
	}
	numEntries := (dpaCaps & dpaCapSubstateMask) + 1
	return dpaBaseSizeof + numEntries, nil
}

func tphSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	tphCaps, err := e.host.GetLong(base + tphCapReg)
	if err != nil {
		return 0, err
	}
	var numEntries uint32
	if tphCaps&tphCapLocMask == tphLocCap {
		// steering table lives in the capability itself
		numEntries = (tphCaps&tphCapSTMask)>>tphCapSTShift + 1
	}
	return tphBaseSizeof + numEntries*2, nil
}

func dpcSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	dpcCaps, err := e.host.GetWord(base + dpcCapReg)
	if err != nil {
		return 0, err
	}
	if dpcCaps&dpcCapRPExt != 0 {
		return 0x20 + uint32(dpcCaps&dpcRPPIOLogSize>>8)*4, nil
	}
	return 0x0c, nil
}

func pmuxSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	pmuxCaps, err := e.host.GetLong(base + 4)
	if err != nil {
		return 0, err
	}
	return 0x10 + (pmuxCaps&0x3f)*4, nil
}

func rebarSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	rebarCtl, err := e.host.GetLong(base + rebarCtrlReg)
	if err != nil {
		return 0, err
	}
	numEntries := (rebarCtl & rebarCtrlNbarMask) >> rebarCtrlNbarShift
	return numEntries*8 + 4, nil
}

// arbTableLenMax returns the worst-case number of arbitration phases encoded
// in a VC arbitration capability bitfield.
func (e *Engine) arbTableLenMax(maxBitSupported int, arbCap uint32) uint32 {
	if arbCap == 0 {
		return 0
	}

	nBit := 7
	for nBit >= 0 && arbCap&(1<<nBit) == 0 {
		nBit--
	}
	if nBit > maxBitSupported {
		e.log.Warn("unknown VC arbitration capability", "cap", fmt.Sprintf("%#02x", arbCap))
	}

	switch nBit {
	case 0:
		return 0
	case 1:
		return 32
	case 2:
		return 64
	case 3, 4:
		return 128
	default:
		return 8 << nBit
	}
}

func alignUp(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

// vchanSizeInit sizes a VC, VC9 or MFVC structure: the base registers, the
// per-resource register sets, and whichever VC/port/function arbitration
// table reaches furthest.
func vchanSizeInit(e *Engine, g *regGroupInfo, base uint32) (uint32, error) {
	header, err := e.host.GetLong(base)
	if err != nil {
		return 0, err
	}

	switch extCapHeaderID(header) {
	case extCapVC, extCapVC9, extCapMFVC:
	default:
		return 0, fmt.Errorf("unknown VC extended capability id %#04x", extCapHeaderID(header))
	}

	capMaxSize := uint32(extConfigSpaceSize) - base
	if next := extCapHeaderNext(header); next != 0 && next > base {
		capMaxSize = next - base
	}

	portCap1, err := e.host.GetLong(base + vcPortCap1)
	if err != nil {
		return 0, err
	}
	portCap2, err := e.host.GetLong(base + vcPortCap2)
	if err != nil {
		return 0, err
	}

	extVCCount := portCap1 & vcCap1EVCC
	arbStartMax := portCap2 >> 24 * 0x10
	var arbEndMax uint32

	if arbStartMax >= capMaxSize {
		e.log.Warn("VC arbitration table offset out of range",
			"offset", fmt.Sprintf("%#04x", arbStartMax))
		arbStartMax = 0
	}
	if arbStartMax != 0 {
		numPhases := e.arbTableLenMax(3, portCap2&0xff)
		arbEndMax = base + arbStartMax + alignUp(numPhases*4, 32)/8
	}

	// function/port arbitration table entry size, in bits
	entrySize := uint32(1) << ((portCap1 & vcCap1ArbSize) >> 10)

	for i := uint32(0); i < extVCCount; i++ {
		rsrcCap, err := e.host.GetLong(base + vcResCap + i*vcPerVCSizeof)
		if err != nil {
			return 0, err
		}

		arbOffset := rsrcCap >> 24 * 0x10
		if arbOffset <= arbStartMax {
			continue
		}
		if arbOffset >= capMaxSize {
			e.log.Warn("port/function arbitration table offset out of range",
				"offset", fmt.Sprintf("%#04x", arbOffset))
			arbOffset = 0
		} else {
			arbStartMax = arbOffset
		}

		if arbOffset != 0 {
			numPhases := e.arbTableLenMax(5, rsrcCap&0xff)
			arbEndMax = base + arbOffset + alignUp(numPhases*entrySize, 32)/8
		}
	}

	if arbEndMax != 0 {
		return arbEndMax - base, nil
	}
	return vcBaseSizeof + extVCCount*vcPerVCSizeof, nil
}

// regGroups is the full catalog in chain-discovery order.
var regGroups = []regGroupInfo{
	{id: groupHeader, kind: groupEmulated, size: 0x40, regs: headerRegs},
	{id: legacyCap(capPowerManagement), kind: groupEmulated, size: pmSizeof, regs: pmRegs},
	{id: legacyCap(capAGP), kind: groupHardwired, size: 0x30},
	{id: legacyCap(capVPD), kind: groupEmulated, size: 0x08, regs: vpdRegs},
	{id: legacyCap(capSlotID), kind: groupHardwired, size: 0x04},
	{id: legacyCap(capMSI), kind: groupEmulated, size: 0x0a, sizeInit: msiSizeInit, regs: msiRegs},
	{id: legacyCap(capPCIX), kind: groupHardwired, size: 0x18},
	{id: legacyCap(capVendorSpecific), kind: groupEmulated, size: 0xff, sizeInit: vendorSizeInit, regs: vendorRegs},
	{id: legacyCap(capSHPC), kind: groupHardwired, size: 0x08},
	{id: legacyCap(capSSVID), kind: groupHardwired, size: 0x08},
	{id: legacyCap(capAGP3), kind: groupHardwired, size: 0x30},
	{id: legacyCap(capPCIExpress), kind: groupEmulated, size: 0xff, sizeInit: pcieSizeInit, regs: pcieRegs},
	{id: legacyCap(capMSIX), kind: groupEmulated, size: msixSizeof, sizeInit: msixSizeInit, regs: msixRegs},
	{id: groupOpRegion, kind: groupEmulated, size: 0x04, regs: opregionRegs},

	{id: extCap(extCapVendor), kind: groupEmulated, size: 0xff, sizeInit: extVendorSizeInit, regs: extCapVendorRegs},
	{id: extCap(extCapDSN), kind: groupEmulated, size: extCapDSNSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapPwr), kind: groupEmulated, size: extCapPwrSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapRCILC), kind: groupEmulated, size: 0x0c, regs: extCapDummyRegs},
	{id: extCap(extCapRCEC), kind: groupEmulated, size: 0x08, regs: extCapDummyRegs},
	{id: extCap(extCapRCRB), kind: groupEmulated, size: 0x14, regs: extCapDummyRegs},
	{id: extCap(extCapCAC), kind: groupEmulated, size: 0x08, regs: extCapDummyRegs},
	{id: extCap(extCapARI), kind: groupEmulated, size: extCapARISizeof, regs: extCapDummyRegs},
	{id: extCap(extCapATS), kind: groupEmulated, size: extCapATSSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapSRIOV), kind: groupEmulated, size: extCapSRIOVSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapPRI), kind: groupEmulated, size: extCapPRISizeof, regs: extCapDummyRegs},
	{id: extCap(extCapLTR), kind: groupEmulated, size: extCapLTRSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapSecPCI), kind: groupEmulated, size: 0x10, regs: extCapDummyRegs},
	{id: extCap(extCapPASID), kind: groupEmulated, size: extCapPASIDSizeof, regs: extCapDummyRegs},
	{id: extCap(extCapL1SS), kind: groupEmulated, size: 0x10, regs: extCapDummyRegs},
	{id: extCap(extCapPTM), kind: groupEmulated, size: 0x0c, regs: extCapDummyRegs},
	{id: extCap(extCapMPCIe), kind: groupEmulated, size: 0x1c, regs: extCapDummyRegs},
	{id: extCap(extCapLNR), kind: groupEmulated, size: 0x08, regs: extCapDummyRegs},
	{id: extCap(extCapFRS), kind: groupEmulated, size: 0x10, regs: extCapDummyRegs},
	{id: extCap(extCapRTR), kind: groupEmulated, size: 0x0c, regs: extCapDummyRegs},
	{id: extCap(extCapErr), kind: groupEmulated, size: 0xff, sizeInit: aerSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapRCLD), kind: groupEmulated, size: 0xff, sizeInit: rcldSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapACS), kind: groupEmulated, size: 0xff, sizeInit: acsSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapMcast), kind: groupEmulated, size: 0xff, sizeInit: multicastSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapDPA), kind: groupEmulated, size: 0xff, sizeInit: dpaSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapTPH), kind: groupEmulated, size: 0xff, sizeInit: tphSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapPMUX), kind: groupEmulated, size: 0xff, sizeInit: pmuxSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapDPC), kind: groupEmulated, size: 0xff, sizeInit: dpcSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapREBAR), kind: groupHardwired, size: 0xff, sizeInit: rebarSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapVC), kind: groupEmulated, size: 0xff, sizeInit: vchanSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapVC9), kind: groupEmulated, size: 0xff, sizeInit: vchanSizeInit, regs: extCapDummyRegs},
	{id: extCap(extCapMFVC), kind: groupEmulated, size: 0xff, sizeInit: vchanSizeInit, regs: extCapDummyRegs},
}

// groupIndex maps capability ids to their catalog entries. It is built in an
// init function, not a declaration, because the chain-walk initializers
// referenced by the register tables look capabilities up here; indexing the
// catalog in a declaration would make those tables depend on themselves.
var groupIndex map[capID]*regGroupInfo

func init() {
	groupIndex = make(map[capID]*regGroupInfo, len(regGroups))
	for i := range regGroups {
		groupIndex[regGroups[i].id] = &regGroups[i]
	}
}
