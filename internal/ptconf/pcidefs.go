package ptconf

// PCI configuration space constants. Values follow the PCI Local Bus and
// PCI Express Base specifications; names mirror the conventional register
// mnemonics.

const (
	configSpaceSize    = 0x100
	extConfigSpaceSize = 0x1000
	extCapBaseOffset   = 0x100
)

// Type 0 header registers.
const (
	regVendorID       = 0x00
	regDeviceID       = 0x02
	regCommand        = 0x04
	regStatus         = 0x06
	regCacheLineSize  = 0x0c
	regLatencyTimer   = 0x0d
	regHeaderType     = 0x0e
	regBaseAddress0   = 0x10
	regCapabilityList = 0x34
	regROMAddress     = 0x30
	regInterruptLine  = 0x3c
	regInterruptPin   = 0x3d
)

const (
	statusCapList      = 0x0010
	commandINTxDisable = 0x0400
	headerTypeMultiFn  = 0x80
)

// Capability list layout.
const (
	capListID   = 0
	capListNext = 1
)

// Legacy capability ids.
const (
	capPowerManagement = 0x01
	capAGP             = 0x02
	capVPD             = 0x03
	capSlotID          = 0x04
	capMSI             = 0x05
	capPCIX            = 0x07
	capVendorSpecific  = 0x09
	capSHPC            = 0x0c
	capSSVID           = 0x0d
	capAGP3            = 0x0e
	capPCIExpress      = 0x10
	capMSIX            = 0x11
)

// Extended capability ids.
const (
	extCapErr    = 0x01
	extCapVC     = 0x02
	extCapDSN    = 0x03
	extCapPwr    = 0x04
	extCapRCLD   = 0x05
	extCapRCILC  = 0x06
	extCapRCEC   = 0x07
	extCapMFVC   = 0x08
	extCapVC9    = 0x09
	extCapRCRB   = 0x0a
	extCapVendor = 0x0b
	extCapCAC    = 0x0c
	extCapACS    = 0x0d
	extCapARI    = 0x0e
	extCapATS    = 0x0f
	extCapSRIOV  = 0x10
	extCapMcast  = 0x12
	extCapPRI    = 0x13
	extCapREBAR  = 0x15
	extCapDPA    = 0x16
	extCapTPH    = 0x17
	extCapLTR    = 0x18
	extCapSecPCI = 0x19
	extCapPMUX   = 0x1a
	extCapPASID  = 0x1b
	extCapLNR    = 0x1c
	extCapDPC    = 0x1d
	extCapL1SS   = 0x1e
	extCapPTM    = 0x1f
	extCapMPCIe  = 0x20
	extCapFRS    = 0x21
	extCapRTR    = 0x22
)

// Power management capability.
const (
	pmCapFlags = 0x02
	pmCtrl     = 0x04
	pmSizeof   = 0x08
)

// Vital product data capability.
const vpdAddr = 0x02

// MSI capability.
const (
	msiFlags     = 0x02
	msiAddressLo = 0x04
	msiAddressHi = 0x08
	msiData32    = 0x08
	msiData64    = 0x0c
	msiMask32    = 0x0c
	msiMask64    = 0x10

	msiFlagsEnable  = 0x0001
	msiFlagsQSize   = 0x0070
	msiFlags64Bit   = 0x0080
	msiFlagsMaskBit = 0x0100
)

// MSI-X capability.
const (
	msixFlags        = 0x02
	msixTable        = 0x04
	msixPBA          = 0x08
	msixSizeof       = 0x0c
	msixFlagsQSize   = 0x07ff
	msixFlagsMaskAll = 0x4000
	msixFlagsEnable  = 0x8000
)

// PCI Express capability.
const (
	expFlags   = 0x02
	expDevCap  = 0x04
	expDevCtl  = 0x08
	expDevSta  = 0x0a
	expLnkCap  = 0x0c
	expLnkCtl  = 0x10
	expLnkSta  = 0x12
	expDevCap2 = 0x24
	expDevCtl2 = 0x28
	expLnkCtl2 = 0x30

	expFlagsVers = 0x000f
	expFlagsType = 0x00f0

	expLnkCapSLS = 0x0f
)

// PCI Express device/port types (expFlagsType >> 4).
const (
	expTypeEndpoint   = 0x0
	expTypeLegacyEnd  = 0x1
	expTypeRootPort   = 0x4
	expTypeUpstream   = 0x5
	expTypeDownstream = 0x6
	expTypePCIBridge  = 0x7
	expTypePCIeBridge = 0x8
	expTypeRCEnd      = 0x9
	expTypeRCEC       = 0xa
)

// Extended capability fixed sizes.
const (
	extCapDSNSizeof    = 0x0c
	extCapPwrSizeof    = 0x10
	extCapARISizeof    = 0x08
	extCapATSSizeof    = 0x08
	extCapSRIOVSizeof  = 0x40
	extCapPRISizeof    = 0x10
	extCapLTRSizeof    = 0x08
	extCapPASIDSizeof  = 0x08
	mcastEndpointSize  = 0x28
	mcastRoutingSize   = 0x30
	vndrHeader         = 0x04
	acsCapReg          = 0x04
	acsEgressCtlV      = 0x08
	acsCapEC           = 0x0020
	dpaCapReg          = 0x04
	dpaCapSubstateMask = 0x1f
	dpaBaseSizeof      = 0x10
	tphCapReg          = 0x04
	tphCapLocMask      = 0x600
	tphLocCap          = 0x200
	tphCapSTMask       = 0x07ff0000
	tphCapSTShift      = 16
	tphBaseSizeof      = 0x0c
	dpcCapReg          = 0x04
	dpcCapRPExt        = 0x0020
	dpcRPPIOLogSize    = 0x0f00
	rebarCtrlReg       = 0x08
	rebarCtrlNbarMask  = 0x000000e0
	rebarCtrlNbarShift = 5
	errCapReg          = 0x18
	errCapTLPPrefixLog = 1 << 11
	devCap2TLPPrefix   = 1 << 21
	vcPortCap1         = 0x04
	vcPortCap2         = 0x08
	vcCap1EVCC         = 0x00000007
	vcCap1ArbSize      = 0x00000c00
	vcResCap           = 0x10
	vcPerVCSizeof      = 0x0c
	vcBaseSizeof       = 0x10
)

// Host resource region type flags, matching the sysfs resource decoding.
const (
	RegionTypeIO       = 1 << 1
	RegionTypeMem      = 1 << 2
	RegionTypePrefetch = 1 << 3
	RegionTypeMem64    = 1 << 4
)

// Base address registers.
const (
	numRegions = 7
	romSlot    = 6
	barMemROMask     = 0x0000000f
	barMemEmuMask    = 0xfffffff0
	barIOROMask      = 0x00000003
	barIOEmuMask     = 0xfffffffc
	romAddressEnable = 0x00000001
	romAddressMask   = 0xfffff800
	allOnes          = 0xffffffff
	pageSize         = 0x1000
)

// Hop limits for capability chain walks. A well-formed legacy chain fits 48
// capabilities; the extended space fits (4096-256)/8 headers.
const (
	maxCapHops    = 48
	maxExtCapHops = (extConfigSpaceSize - extCapBaseOffset) / 8
)

// Fake capability ids handed out for capabilities hidden at the extended list
// head. The range has no assigned extended capability ids.
const fakeCapIDBase = 0x0e00

// Known hardware quirks.
const (
	vendorIntel       = 0x8086
	deviceI82599SFPVF = 0x10ed
)

func extCapHeaderID(header uint32) uint16   { return uint16(header & 0xffff) }
func extCapHeaderVer(header uint32) uint16  { return uint16((header >> 16) & 0xf) }
func extCapHeaderNext(header uint32) uint32 { return (header >> 20) & 0xffc }
