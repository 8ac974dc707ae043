package ptconf

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"
)

// fakeHost is an in-memory configuration space with the same capability walk
// semantics as the sysfs-backed device.
type fakeHost struct {
	cfg [extConfigSpaceSize]byte
}

func (h *fakeHost) GetByte(pos uint32) (uint8, error) { return h.cfg[pos], nil }

func (h *fakeHost) GetWord(pos uint32) (uint16, error) {
	return binary.LittleEndian.Uint16(h.cfg[pos:]), nil
}

func (h *fakeHost) GetLong(pos uint32) (uint32, error) {
	return binary.LittleEndian.Uint32(h.cfg[pos:]), nil
}

func (h *fakeHost) SetByte(pos uint32, v uint8) error {
	h.cfg[pos] = v
	return nil
}

func (h *fakeHost) SetWord(pos uint32, v uint16) error {
	binary.LittleEndian.PutUint16(h.cfg[pos:], v)
	return nil
}

func (h *fakeHost) SetLong(pos uint32, v uint32) error {
	binary.LittleEndian.PutUint32(h.cfg[pos:], v)
	return nil
}

func (h *fakeHost) FindNextCap(pos uint32, id uint16) uint32 {
	status := binary.LittleEndian.Uint16(h.cfg[regStatus:])
	if status&statusCapList == 0 {
		return 0
	}
	ptr := uint32(h.cfg[regCapabilityList])
	if pos != 0 {
		ptr = uint32(h.cfg[pos+capListNext])
	}
	for hops := 0; ptr != 0 && hops < maxCapHops; hops++ {
		capID := h.cfg[ptr+capListID]
		if capID == 0xff {
			break
		}
		if uint16(capID) == id {
			return ptr
		}
		ptr = uint32(h.cfg[ptr+capListNext])
	}
	return 0
}

func (h *fakeHost) FindNextExtCap(pos uint32, id uint16) uint32 {
	offset := uint32(extCapBaseOffset)
	if pos != 0 {
		header := binary.LittleEndian.Uint32(h.cfg[pos:])
		offset = extCapHeaderNext(header)
	}
	for hops := 0; offset != 0 && hops < maxExtCapHops; hops++ {
		header := binary.LittleEndian.Uint32(h.cfg[offset:])
		if header == 0 || header == allOnes {
			return 0
		}
		if extCapHeaderID(header) == id {
			return offset
		}
		offset = extCapHeaderNext(header)
	}
	return 0
}

func (h *fakeHost) setWord(pos uint32, v uint16) {
	binary.LittleEndian.PutUint16(h.cfg[pos:], v)
}

func (h *fakeHost) setLong(pos uint32, v uint32) {
	binary.LittleEndian.PutUint32(h.cfg[pos:], v)
}

// addCap appends a legacy capability header.
func (h *fakeHost) addCap(pos uint32, id, next uint8) {
	h.cfg[pos+capListID] = id
	h.cfg[pos+capListNext] = next
}

func extCapHeader(id, ver uint16, next uint32) uint32 {
	return uint32(id) | uint32(ver)<<16 | next<<20
}

// newFakeHost builds a device with a PM -> MSI -> vendor capability chain.
func newFakeHost() *fakeHost {
	h := &fakeHost{}
	h.setWord(regVendorID, 0x8086)
	h.setWord(regDeviceID, 0x1234)
	h.setWord(regCommand, 0x0006)
	h.setWord(regStatus, statusCapList|0x0280)
	h.cfg[regCacheLineSize] = 0x10
	h.cfg[regInterruptPin] = 0x01
	h.cfg[regCapabilityList] = 0x50

	h.addCap(0x50, capPowerManagement, 0x60)
	h.setWord(0x52, 0x0003) // PM caps

	h.addCap(0x60, capMSI, 0x70)
	h.setWord(0x60+msiFlags, msiFlags64Bit)

	h.addCap(0x70, capVendorSpecific, 0x00)
	h.cfg[0x72] = 0x08 // vendor cap length
	return h
}

func testInfo() DeviceInfo {
	return DeviceInfo{
		VendorID:  0x8086,
		DeviceID:  0x1234,
		IRQ:       16,
		PCIeFlags: 0xffff,
	}
}

func newTestEngine(t *testing.T, host HostDevice, info DeviceInfo, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := New(host, info, opts)
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(e.Delete)
	return e
}

func mustRead(t *testing.T, e *Engine, addr, size uint32) uint32 {
	t.Helper()
	v, err := e.ReadConfig(addr, size)
	if err != nil {
		t.Fatalf("ReadConfig(%#04x, %d): %v", addr, size, err)
	}
	return v
}

func mustWrite(t *testing.T, e *Engine, addr, size, val uint32) {
	t.Helper()
	if err := e.WriteConfig(addr, size, val); err != nil {
		t.Fatalf("WriteConfig(%#04x, %d, %#x): %v", addr, size, val, err)
	}
}

func TestInitDiscoversGroups(t *testing.T) {
	e := newTestEngine(t, newFakeHost(), testInfo(), Options{})

	want := map[string]uint32{
		"group 0xff": 0x00, // header
		"cap 0x01":   0x50,
		"cap 0x05":   0x60,
		"cap 0x09":   0x70,
	}
	groups := e.Groups()
	if len(groups) != len(want) {
		t.Fatalf("got %d groups %v, want %d", len(groups), groups, len(want))
	}
	for _, g := range groups {
		base, ok := want[g.Name]
		if !ok {
			t.Errorf("unexpected group %q", g.Name)
			continue
		}
		if g.Base != base {
			t.Errorf("group %q at %#04x, want %#04x", g.Name, g.Base, base)
		}
	}
}

func TestVendorAndDeviceIDAreEmulated(t *testing.T) {
	h := newFakeHost()
	info := testInfo()
	info.VendorID = 0xabcd
	e := newTestEngine(t, h, info, Options{})

	if got := mustRead(t, e, regVendorID, 2); got != 0xabcd {
		t.Errorf("vendor id = %#04x, want 0xabcd", got)
	}
	// read-only: a write must change nothing
	mustWrite(t, e, regVendorID, 2, 0xffff)
	if got := mustRead(t, e, regVendorID, 2); got != 0xabcd {
		t.Errorf("vendor id after write = %#04x, want 0xabcd", got)
	}
}

func TestEmulatedBitRoundTrip(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{})

	// cache line size starts from its emulated initial value, not hardware
	if got := mustRead(t, e, regCacheLineSize, 1); got != 0 {
		t.Fatalf("initial cache line size = %#x, want 0", got)
	}
	mustWrite(t, e, regCacheLineSize, 1, 0x40)
	if got := mustRead(t, e, regCacheLineSize, 1); got != 0x40 {
		t.Errorf("cache line size = %#x, want 0x40", got)
	}
	// fully emulated: hardware keeps its own value
	if h.cfg[regCacheLineSize] != 0x10 {
		t.Errorf("host cache line size = %#x, want 0x10", h.cfg[regCacheLineSize])
	}
}

func TestCommandBusMasterPassesThrough(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{})

	mustWrite(t, e, regCommand, 2, 0x0006|0x0004)
	host := binary.LittleEndian.Uint16(h.cfg[regCommand:])
	if host&0x0004 == 0 {
		t.Errorf("bus master enable did not reach hardware: command = %#04x", host)
	}
}

func TestCommandINTxDisableForwarding(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{MachineIRQ: true})

	// with a bound machine interrupt, clearing INTx disable must still be
	// forwarded so the line cannot be left enabled
	binary.LittleEndian.PutUint16(h.cfg[regCommand:], 0x0006|commandINTxDisable)
	mustWrite(t, e, regCommand, 2, 0x0006)
	host := binary.LittleEndian.Uint16(h.cfg[regCommand:])
	if host&commandINTxDisable != 0 {
		t.Errorf("INTx disable still set on hardware: command = %#04x", host)
	}
}

func TestStatusCapListFollowsEmulatedChain(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{})
	if got := mustRead(t, e, regStatus, 2); got&statusCapList == 0 {
		t.Errorf("status = %#04x, capability list bit missing", got)
	}

	// a device with no visible capabilities must not advertise a chain
	bare := &fakeHost{}
	bare.setWord(regStatus, statusCapList|0x0280)
	e2 := newTestEngine(t, bare, testInfo(), Options{})
	if got := mustRead(t, e2, regStatus, 2); got&statusCapList != 0 {
		t.Errorf("status = %#04x, capability list bit set with empty chain", got)
	}
}

func TestStatusInitSyncsHostBits(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{})

	// non-emulated status bits reflect hardware
	if got := mustRead(t, e, regStatus, 2); got&0x0280 != 0x0280 {
		t.Errorf("status = %#04x, host bits 0x0280 missing", got)
	}
}

func TestCapChainSplicesHardwired(t *testing.T) {
	h := newFakeHost()
	// put an SSVID (hardwired) capability at the head of the chain
	h.cfg[regCapabilityList] = 0x40
	h.addCap(0x40, capSSVID, 0x50)
	e := newTestEngine(t, h, testInfo(), Options{})

	if got := mustRead(t, e, regCapabilityList, 1); got != 0x50 {
		t.Errorf("capability pointer = %#02x, want 0x50", got)
	}
}

func TestHiddenCapDropsFromChainAndGroups(t *testing.T) {
	h := newFakeHost()
	e := newTestEngine(t, h, testInfo(), Options{HideLegacyCaps: []uint8{capMSI}})

	// PM's next pointer must skip the hidden MSI straight to the vendor cap
	if got := mustRead(t, e, 0x50+capListNext, 1); got != 0x70 {
		t.Errorf("PM next pointer = %#02x, want 0x70", got)
	}
	for _, g := range e.Groups() {
		if g.Base == 0x60 {
			t.Errorf("hidden capability still has a group: %+v", g)
		}
	}
}

func TestIntel82599VFHidesExpressCap(t *testing.T) {
	h := newFakeHost()
	h.addCap(0x70, capVendorSpecific, 0x80)
	h.addCap(0x80, capPCIExpress, 0x00)
	h.setWord(0x82, 0x0002) // v2 endpoint

	info := testInfo()
	info.VendorID = vendorIntel
	info.DeviceID = deviceI82599SFPVF
	info.PCIeFlags = 0x0002
	e := newTestEngine(t, h, info, Options{})

	for _, g := range e.Groups() {
		if g.Base == 0x80 {
			t.Errorf("82599 VF express capability not hidden: %+v", g)
		}
	}
	if got := mustRead(t, e, 0x70+capListNext, 1); got != 0 {
		t.Errorf("vendor next pointer = %#02x, want 0", got)
	}
}

func TestCyclicCapChainTerminates(t *testing.T) {
	h := &fakeHost{}
	h.setWord(regStatus, statusCapList)
	h.cfg[regCapabilityList] = 0x50
	// two unknown capabilities pointing at each other
	h.addCap(0x50, 0x06, 0x60)
	h.addCap(0x60, 0x08, 0x50)

	e := newTestEngine(t, h, testInfo(), Options{})
	if got := mustRead(t, e, regCapabilityList, 1); got != 0 {
		t.Errorf("capability pointer = %#02x, want 0 on cyclic chain", got)
	}
}

func TestPCIExpressTypeFaked(t *testing.T) {
	h := newFakeHost()
	h.addCap(0x70, capVendorSpecific, 0x80)
	h.addCap(0x80, capPCIExpress, 0x00)
	h.setWord(0x80+expFlags, 0x0002) // v2, endpoint

	info := testInfo()
	info.PCIeFlags = 0x0002
	e := newTestEngine(t, h, info, Options{})

	got := mustRead(t, e, 0x80+expFlags, 2)
	if (got&expFlagsType)>>4 != expTypeRCEnd {
		t.Errorf("express flags = %#04x, device type not faked to RC endpoint", got)
	}
	if got&expFlagsVers != 2 {
		t.Errorf("express flags = %#04x, version changed", got)
	}
}

func TestBARSizeProbe(t *testing.T) {
	h := newFakeHost()
	h.setLong(regBaseAddress0, 0xfebc0000)

	info := testInfo()
	info.Regions[0] = Region{Base: 0xfebc0000, Size: 0x8000, Type: RegionTypeMem}
	e := newTestEngine(t, h, info, Options{})

	if got := mustRead(t, e, regBaseAddress0, 4); got != 0xfebc0000 {
		t.Fatalf("BAR0 = %#08x, want 0xfebc0000", got)
	}

	mustWrite(t, e, regBaseAddress0, 4, 0xffffffff)
	got := mustRead(t, e, regBaseAddress0, 4)
	if got != 0xffff8000 {
		t.Errorf("BAR0 size probe = %#08x, want 0xffff8000", got)
	}
	// probe must never reach the physical register
	if hv := binary.LittleEndian.Uint32(h.cfg[regBaseAddress0:]); hv != 0xfebc0000 {
		t.Errorf("host BAR0 = %#08x, modified by guest probe", hv)
	}
}

func TestBAR64BitUpperHalf(t *testing.T) {
	h := newFakeHost()
	info := testInfo()
	info.Regions[0] = Region{
		Base: 0x2_0000_0000, Size: 0x1_0000_0000,
		Type: RegionTypeMem | RegionTypeMem64, BusFlags: 0x0c,
	}
	info.Regions[1] = Region{Base: 0x2} // upper half dword
	e := newTestEngine(t, h, info, Options{})

	mustWrite(t, e, regBaseAddress0+4, 4, 0xffffffff)
	got := mustRead(t, e, regBaseAddress0+4, 4)
	if got != 0xffffffff {
		t.Errorf("upper BAR probe = %#08x, want 0xffffffff", got)
	}
}

func TestIOBARClassification(t *testing.T) {
	h := newFakeHost()
	h.setLong(regBaseAddress0+8, 0xc001)
	info := testInfo()
	info.Regions[2] = Region{Base: 0xc000, Size: 0x20, Type: RegionTypeIO, BusFlags: 0x1}
	e := newTestEngine(t, h, info, Options{})

	if got := mustRead(t, e, regBaseAddress0+8, 4); got != 0xc001 {
		t.Fatalf("IO BAR = %#08x, want 0xc001", got)
	}
	mustWrite(t, e, regBaseAddress0+8, 4, 0xffffffff)
	if got := mustRead(t, e, regBaseAddress0+8, 4); got != 0xffffffe1 {
		t.Errorf("IO BAR probe = %#08x, want 0xffffffe1", got)
	}
}

func TestROMBARWriteKeepsEnableThroughable(t *testing.T) {
	h := newFakeHost()
	h.setLong(regROMAddress, 0xfeb00000)
	info := testInfo()
	info.Regions[romSlot] = Region{Base: 0xfeb00000, Size: 0x20000, Type: RegionTypeMem}
	e := newTestEngine(t, h, info, Options{})

	mustWrite(t, e, regROMAddress, 4, 0xffffffff)
	got := mustRead(t, e, regROMAddress, 4)
	if got&romAddressMask != 0xfffe0000 {
		t.Errorf("ROM BAR probe = %#08x, want address bits 0xfffe0000", got)
	}
	// the enable bit passes through to hardware
	if hv := binary.LittleEndian.Uint32(h.cfg[regROMAddress:]); hv&romAddressEnable == 0 {
		t.Errorf("ROM enable bit did not reach hardware: %#08x", hv)
	}
}

func TestUnusedBARReadsFromHardware(t *testing.T) {
	h := newFakeHost()
	h.setLong(regBaseAddress0+20, 0xdeadbee0)
	e := newTestEngine(t, h, testInfo(), Options{})

	// no virtual register materialized, value passes through
	if got := mustRead(t, e, regBaseAddress0+20, 4); got != 0xdeadbee0 {
		t.Errorf("unused BAR = %#08x, want passthrough 0xdeadbee0", got)
	}
}

func TestPassthroughOutsideGroups(t *testing.T) {
	h := newFakeHost()
	h.setLong(0x40, 0x11223344)
	e := newTestEngine(t, h, testInfo(), Options{})

	if got := mustRead(t, e, 0x40, 4); got != 0x11223344 {
		t.Errorf("read outside groups = %#08x, want 0x11223344", got)
	}
	mustWrite(t, e, 0x40, 4, 0x55667788)
	if hv := binary.LittleEndian.Uint32(h.cfg[0x40:]); hv != 0x55667788 {
		t.Errorf("write outside groups did not reach hardware: %#08x", hv)
	}
}

func TestAccessValidation(t *testing.T) {
	e := newTestEngine(t, newFakeHost(), testInfo(), Options{})

	if _, err := e.ReadConfig(0x01, 2); err == nil {
		t.Error("unaligned read did not fail")
	}
	if _, err := e.ReadConfig(0x00, 3); err == nil {
		t.Error("3-byte read did not fail")
	}
	if err := e.WriteConfig(0x100, 4, 0); err == nil {
		t.Error("write past configuration space did not fail")
	}
}

func TestHiddenExtCapAtListHeadGetsFakeHeader(t *testing.T) {
	h := newFakeHost()
	// resizable BAR heads the extended list, followed by a serial number cap
	h.setLong(extCapBaseOffset, extCapHeader(extCapREBAR, 1, 0x140))
	h.setLong(0x108, 1<<rebarCtrlNbarShift) // one BAR entry
	h.setLong(0x140, extCapHeader(extCapDSN, 1, 0))
	h.setLong(0x144, 0x01020304)

	info := testInfo()
	info.HasExtCfg = true
	e := newTestEngine(t, h, info, Options{})

	id := mustRead(t, e, extCapBaseOffset, 2)
	if id != fakeCapIDBase {
		t.Errorf("blanked capability id = %#04x, want %#04x", id, fakeCapIDBase)
	}
	// next pointer preserved so the chain stays walkable
	next := mustRead(t, e, extCapBaseOffset+2, 2)
	if next>>4 != 0x140 {
		t.Errorf("next pointer = %#04x, want chain to 0x140", next)
	}
	// body reads as zero, writes are discarded
	if got := mustRead(t, e, 0x108, 4); got != 0 {
		t.Errorf("hidden capability body = %#08x, want 0", got)
	}
	mustWrite(t, e, 0x108, 4, 0xffffffff)
	if hv := binary.LittleEndian.Uint32(h.cfg[0x108:]); hv != 1<<rebarCtrlNbarShift {
		t.Errorf("write to hidden capability reached hardware: %#08x", hv)
	}

	// the serial number capability stays a passthrough-body group
	if got := mustRead(t, e, 0x144, 4); got != 0x01020304 {
		t.Errorf("DSN body = %#08x, want passthrough", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeHost(), testInfo(), Options{})
	e.Delete()
	e.Delete()
	if len(e.Groups()) != 0 {
		t.Errorf("groups remain after delete")
	}
}

func TestCapabilityAtSpaceEndClampsRegisters(t *testing.T) {
	// a 64-bit masking MSI structure at 0xf8 would extend to 0x110; attach
	// must clamp it and leave the out-of-space registers unmaterialized
	h := &fakeHost{}
	h.setWord(regStatus, statusCapList)
	h.cfg[regCapabilityList] = 0xf8
	h.addCap(0xf8, capMSI, 0)
	h.setWord(0xf8+msiFlags, msiFlags64Bit|msiFlagsMaskBit)

	e := newTestEngine(t, h, testInfo(), Options{MSI: &testMSIBackend{}})

	var msiSize uint32
	for _, g := range e.Groups() {
		if g.Base == 0xf8 {
			msiSize = g.Size
		}
	}
	if msiSize != 0x08 {
		t.Fatalf("MSI group size = %#x, want clamped to 0x08", msiSize)
	}

	// registers inside the clamped extent still work
	mustWrite(t, e, 0xf8+msiAddressLo, 4, 0xfee00000)
	if got := mustRead(t, e, 0xf8+msiAddressLo, 4); got != 0xfee00000 {
		t.Errorf("address = %#08x, want 0xfee00000", got)
	}
	if _, err := e.ReadConfig(0x100, 4); err == nil {
		t.Error("read past the end of config space succeeded")
	}
}

// failingHost errors config reads at one offset, for exercising attach
// rollback.
type failingHost struct {
	*fakeHost
	failPos uint32
}

func (h *failingHost) GetWord(pos uint32) (uint16, error) {
	if pos == h.failPos {
		return 0, errors.New("config read fault")
	}
	return h.fakeHost.GetWord(pos)
}

func TestInitFailureRollsBackGroups(t *testing.T) {
	// fault the MSI control word: the header and PM groups attach first and
	// must be rolled back when the MSI group fails
	h := &failingHost{fakeHost: newFakeHost(), failPos: 0x60 + msiFlags}
	backend := &testMSIBackend{}
	e := New(h, testInfo(), Options{Logger: slog.Default(), MSI: backend})

	if err := e.Init(); err == nil {
		t.Fatal("Init succeeded with a faulting host")
	}
	if got := e.Groups(); len(got) != 0 {
		t.Errorf("groups after failed attach: %v", got)
	}
	if backend.binds != 0 || backend.unbinds != 0 {
		t.Errorf("backend touched during failed attach: binds=%d unbinds=%d",
			backend.binds, backend.unbinds)
	}
}
