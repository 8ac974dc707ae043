//go:build linux

// ptdump attaches the config space virtualization engine to a host PCI
// function and prints the guest-visible view of its configuration space.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/spiriou/pcipass/internal/hostpci"
	"github.com/spiriou/pcipass/internal/ptconf"
)

// policy mirrors the per-device overrides an operator can apply before
// attach.
type policy struct {
	Permissive  bool     `yaml:"permissive"`
	MachineIRQ  bool     `yaml:"machine_irq"`
	HideCaps    []uint8  `yaml:"hide_caps"`
	HideExtCaps []uint16 `yaml:"hide_ext_caps"`
}

func loadPolicy(path string) (policy, error) {
	var p policy
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	return p, nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		// interactive runs don't need timestamps
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

func deviceInfo(d *hostpci.Device) ptconf.DeviceInfo {
	info := ptconf.DeviceInfo{
		VendorID:  d.VendorID,
		DeviceID:  d.DeviceID,
		IRQ:       d.IRQ,
		PCIeFlags: d.PCIeFlags,
		HasExtCfg: d.HasExtCfg,
	}
	for i, r := range d.Regions {
		info.Regions[i] = ptconf.Region{
			Base:     r.Base,
			Size:     r.Size,
			Type:     r.Type,
			BusFlags: r.BusFlags,
		}
	}
	return info
}

func dumpConfig(e *ptconf.Engine, size uint32) error {
	for addr := uint32(0); addr < size; addr += 16 {
		fmt.Printf("%04x:", addr)
		for off := uint32(0); off < 16; off += 4 {
			val, err := e.ReadConfig(addr+off, 4)
			if err != nil {
				return fmt.Errorf("reading %#x: %w", addr+off, err)
			}
			fmt.Printf(" %02x %02x %02x %02x",
				val&0xff, val>>8&0xff, val>>16&0xff, val>>24&0xff)
		}
		fmt.Println()
	}
	return nil
}

func run() error {
	policyPath := flag.String("policy", "", "YAML policy file with attach overrides")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	groupsOnly := flag.Bool("groups", false, "list virtualized register groups and exit")
	extended := flag.Bool("ext", false, "dump the full 4KiB space when the device has extended capabilities")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ptdump - dump the virtualized config space of a PCI function

USAGE:
  ptdump [flags] <bdf>

The device address is sysfs form, e.g. 0000:03:00.0 (the domain may be
omitted). Requires read-write access to the device's config file under
/sys/bus/pci/devices.

FLAGS:
  -policy FILE  YAML overrides: permissive, machine_irq, hide_caps,
                hide_ext_caps
  -groups       List the register groups the engine virtualizes and exit
  -ext          Dump extended config space too (when present)
  -verbose      Debug logging

EXAMPLES:
  ptdump 0000:03:00.0
  ptdump -groups 03:00.0
  ptdump -policy quirks.yaml -ext 0000:03:00.0
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	setupLogging(*verbose)

	addr, err := hostpci.ParseBDF(flag.Arg(0))
	if err != nil {
		return err
	}

	p, err := loadPolicy(*policyPath)
	if err != nil {
		return err
	}

	dev, err := hostpci.Open(addr)
	if err != nil {
		return err
	}
	defer dev.Close()

	engine := ptconf.New(dev, deviceInfo(dev), ptconf.Options{
		Logger:         slog.Default(),
		Permissive:     p.Permissive,
		MachineIRQ:     p.MachineIRQ,
		HideLegacyCaps: p.HideCaps,
		HideExtCaps:    p.HideExtCaps,
	})
	if err := engine.Init(); err != nil {
		return fmt.Errorf("attaching to %s: %w", addr, err)
	}
	defer engine.Delete()

	fmt.Printf("%s: %04x:%04x irq %d\n", addr, dev.VendorID, dev.DeviceID, dev.IRQ)
	for _, g := range engine.Groups() {
		kind := "emulated"
		if g.Hardwired {
			kind = "hardwired"
		}
		fmt.Printf("  %-14s %#04x+%#x (%s)\n", g.Name, g.Base, g.Size, kind)
	}
	if *groupsOnly {
		return nil
	}

	fmt.Println()
	size := uint32(0x100)
	if *extended && dev.HasExtCfg {
		size = 0x1000
	}
	return dumpConfig(engine, size)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ptdump: %v\n", err)
		os.Exit(1)
	}
}
