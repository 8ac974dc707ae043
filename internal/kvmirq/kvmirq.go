//go:build linux && amd64

// Package kvmirq delivers guest MSI interrupts through KVM's GSI routing
// table and irqfd mechanism. Each bound message gets a dedicated GSI and an
// eventfd; writing to the eventfd injects the interrupt into the guest.
package kvmirq

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/spiriou/pcipass/internal/ptconf"
)

var _ ptconf.MSIBackend = (*Backend)(nil)

// KVM ioctl numbers from asm/kvm.h.
const (
	kvmSetGsiRouting = 0x4008ae6a
	kvmIrqfd         = 0x4020ae76
)

const (
	kvmIRQRoutingMSI = 2
	kvmIrqfdDeassign = 1 << 0
	firstDeviceGSI   = 24 // below this the IOAPIC pins live
	maxRoutes        = 1024
)

type routingMSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	_         uint32
}

// routingEntry matches struct kvm_irq_routing_entry: a 16-byte header
// followed by a 32-byte union, of which MSI uses the first 12 bytes.
type routingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	MSI   routingMSI
	_     [16]byte
}

type routingHeader struct {
	NR    uint32
	Flags uint32
}

// irqfd matches struct kvm_irqfd.
type irqfd struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]byte
}

type route struct {
	gsi     uint32
	eventFd int
	addrLo  uint32
	addrHi  uint32
	data    uint16
}

// Backend programs MSI routes into a KVM virtual machine. It implements the
// message interrupt backend of the config space engine; route handles are
// GSI numbers.
type Backend struct {
	vmFd int
	log  *slog.Logger

	mu      sync.Mutex
	nextGSI uint32
	routes  map[uint32]*route
}

// New wraps an open KVM VM descriptor. The caller keeps ownership of vmFd.
func New(vmFd int, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		vmFd:    vmFd,
		log:     logger,
		nextGSI: firstDeviceGSI,
		routes:  make(map[uint32]*route),
	}
}

// Bind allocates a GSI for the message, installs the routing table and
// attaches an eventfd to the GSI.
func (b *Backend) Bind(addrLo, addrHi uint32, data uint16) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.routes) >= maxRoutes {
		return 0, fmt.Errorf("no free GSI: %d routes bound", len(b.routes))
	}
	for b.routes[b.nextGSI] != nil {
		b.nextGSI++
	}
	gsi := b.nextGSI
	b.nextGSI++

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("eventfd for GSI %d: %w", gsi, err)
	}

	r := &route{gsi: gsi, eventFd: efd, addrLo: addrLo, addrHi: addrHi, data: data}
	b.routes[gsi] = r

	if err := b.commitRouting(); err != nil {
		delete(b.routes, gsi)
		unix.Close(efd)
		return 0, err
	}
	if err := b.assignIrqfd(r, false); err != nil {
		delete(b.routes, gsi)
		b.commitRouting() // best effort rollback
		unix.Close(efd)
		return 0, err
	}

	b.log.Debug("bound MSI route",
		"gsi", gsi, "addr_lo", addrLo, "addr_hi", addrHi, "data", data)
	return gsi, nil
}

// Update reprograms the message of an existing route.
func (b *Backend) Update(handle, addrLo, addrHi uint32, data uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.routes[handle]
	if r == nil {
		return fmt.Errorf("no route bound to GSI %d", handle)
	}
	r.addrLo, r.addrHi, r.data = addrLo, addrHi, data
	return b.commitRouting()
}

// Unbind detaches the eventfd and drops the route. Errors are logged only:
// callers tear down unconditionally.
func (b *Backend) Unbind(handle uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.routes[handle]
	if r == nil {
		return
	}
	if err := b.assignIrqfd(r, true); err != nil {
		b.log.Warn("deassigning irqfd", "gsi", handle, "error", err)
	}
	delete(b.routes, handle)
	if err := b.commitRouting(); err != nil {
		b.log.Warn("shrinking routing table", "gsi", handle, "error", err)
	}
	unix.Close(r.eventFd)
}

// EventFd returns the eventfd backing a route, for wiring into a poller or
// a VFIO trigger.
func (b *Backend) EventFd(handle uint32) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.routes[handle]
	if r == nil {
		return -1, false
	}
	return r.eventFd, true
}

// Inject raises the interrupt for a bound route by signalling its eventfd.
func (b *Backend) Inject(handle uint32) error {
	b.mu.Lock()
	r := b.routes[handle]
	b.mu.Unlock()

	if r == nil {
		return fmt.Errorf("no route bound to GSI %d", handle)
	}
	one := [8]byte{1}
	if _, err := unix.Write(r.eventFd, one[:]); err != nil {
		return fmt.Errorf("signalling GSI %d: %w", handle, err)
	}
	return nil
}

// Close unbinds every remaining route.
func (b *Backend) Close() error {
	b.mu.Lock()
	handles := make([]uint32, 0, len(b.routes))
	for gsi := range b.routes {
		handles = append(handles, gsi)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.Unbind(h)
	}
	return nil
}

func (b *Backend) commitRouting() error {
	entries := make([]routingEntry, 0, len(b.routes))
	for _, r := range b.routes {
		entries = append(entries, routingEntry{
			GSI:  r.gsi,
			Type: kvmIRQRoutingMSI,
			MSI: routingMSI{
				AddressLo: r.addrLo,
				AddressHi: r.addrHi,
				Data:      uint32(r.data),
			},
		})
	}

	buf := packRouting(entries)
	if _, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(b.vmFd),
		uintptr(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0]))); e != 0 {
		return fmt.Errorf("KVM_SET_GSI_ROUTING with %d entries: %w", len(entries), e)
	}
	return nil
}

// packRouting lays the header and entries out inline the way the ioctl
// expects them.
func packRouting(entries []routingEntry) []byte {
	headerSize := int(unsafe.Sizeof(routingHeader{}))
	entrySize := int(unsafe.Sizeof(routingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*routingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i := range entries {
		*(*routingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = entries[i]
	}
	return buf
}

func (b *Backend) assignIrqfd(r *route, deassign bool) error {
	arg := irqfd{FD: uint32(r.eventFd), GSI: r.gsi}
	if deassign {
		arg.Flags = kvmIrqfdDeassign
	}
	if _, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(b.vmFd),
		uintptr(kvmIrqfd), uintptr(unsafe.Pointer(&arg))); e != 0 {
		op := "KVM_IRQFD"
		if deassign {
			op = "KVM_IRQFD deassign"
		}
		return fmt.Errorf("%s for GSI %d: %w", op, r.gsi, e)
	}
	return nil
}
