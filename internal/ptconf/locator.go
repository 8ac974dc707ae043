package ptconf

// Capability chain virtualization. The guest walks the same physical offsets
// as the host, but pointer registers are rewritten during attach so that
// hidden and hardwired capabilities drop out of the chain.

// hideCap reports whether a capability must be hidden from the guest even
// though the catalog would emulate it. Covers the Intel 82599 VF quirk (its
// PCI Express structure is all zeroes) plus any ids hidden by policy.
func (e *Engine) hideCap(id capID) bool {
	if id == legacyCap(capPCIExpress) &&
		e.info.VendorID == vendorIntel && e.info.DeviceID == deviceI82599SFPVF {
		return true
	}
	_, ok := e.hidden[id]
	return ok
}

func lookupGroupInfo(id capID) *regGroupInfo {
	return groupIndex[id]
}

// nextFakeCapID hands out ids from an unassigned range for capabilities that
// are hidden but sit at the head of the extended list, where a header must
// still be presented.
func (e *Engine) nextFakeCapID() uint16 {
	id := e.fakeCapID
	e.fakeCapID++
	return id
}

// capPtrRegInit resolves the guest-visible value of a legacy capability
// pointer: the first capability in the physical chain (from the byte at
// realOffset on) that the guest is allowed to see. The walk is bounded so a
// corrupted circular chain cannot hang attach.
func capPtrRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	ptr, err := e.host.GetByte(realOffset)
	if err != nil {
		return 0, err
	}

	for hops := 0; ptr != 0; hops++ {
		if hops >= maxCapHops {
			e.log.Warn("capability chain too long, truncating", "offset", realOffset)
			return 0, nil
		}
		id, err := e.host.GetByte(uint32(ptr) + capListID)
		if err != nil {
			return 0, err
		}
		grp := lookupGroupInfo(legacyCap(id))
		if grp != nil && !e.hideCap(grp.id) && grp.kind == groupEmulated {
			break
		}
		// hardwired, hidden or unknown capability: splice it out
		ptr, err = e.host.GetByte(uint32(ptr) + capListNext)
		if err != nil {
			return 0, err
		}
	}
	return uint32(ptr), nil
}

// capNextRegInit is capPtrRegInit applied to a capability's own next pointer.
var capNextRegInit = capPtrRegInit

// extCapIDRegInit seeds the capability-id word of an extended capability
// header. When the capability is hidden but hardwired at the head of the
// extended list, a fake id from an unassigned range is presented instead so
// the guest still sees a terminated list.
func extCapIDRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	id, err := e.host.GetWord(realOffset)
	if err != nil {
		return 0, err
	}
	if g := e.findGroup(realOffset); g != nil {
		if g.kind == groupHardwired && g.base == extCapBaseOffset {
			id = e.nextFakeCapID()
		}
	}
	return uint32(id), nil
}

// extCapPtrRegInit rewrites the next-pointer half of an extended capability
// header, skipping every capability the guest must not see. The low nibble of
// the word is the structure version and is preserved.
func extCapPtrRegInit(e *Engine, info *regInfo, realOffset uint32) (uint32, error) {
	word, err := e.host.GetWord(realOffset)
	if err != nil {
		return 0, err
	}
	version := uint32(word) & 0xf
	next := uint32(word) >> 4

	for hops := 0; next != 0; hops++ {
		if hops >= maxExtCapHops {
			e.log.Warn("extended capability chain too long, truncating", "offset", realOffset)
			next = 0
			break
		}
		header, err := e.host.GetLong(next)
		if err != nil {
			return 0, err
		}
		grp := lookupGroupInfo(extCap(extCapHeaderID(header)))
		if grp != nil && !e.hideCap(grp.id) && grp.kind == groupEmulated {
			break
		}
		next = extCapHeaderNext(header)
	}
	return next<<4 | version, nil
}

// findCapOffset locates a catalog capability on the physical device. Zero
// means the device does not expose it.
func (e *Engine) findCapOffset(id capID) uint32 {
	if id.isExt() {
		return e.host.FindNextExtCap(0, id.raw())
	}
	return e.host.FindNextCap(0, id.raw())
}
