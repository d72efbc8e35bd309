// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements the one-time platform topology discovery: it
// locates the NBIO instances per socket on the PCI hierarchy, derives
// the bus ranges each owns and builds the bus and cpu lookup maps.
package hsmp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
	"k8s.io/klog/v2"
)

const AMD_VENDOR_ID = 0x1022

// Each socket carries four NBIO instances; at most two sockets.
const (
	MAX_NBIO        = 8
	NBIO_PER_SOCKET = 4
)

// IOHCMISC[n] instances sit at a 1 MiB stride in SMN space; the
// NB_BUS_NUM_CNTL register of each reports the base bus number the
// instance actually owns, which enumeration order does not.
const (
	SMN_IOHC_MISC_BASE   = 0x13B10000
	SMN_IOHC_MISC_STRIDE = 0x100000
	SMN_NB_BUS_NUM_CNTL  = 0x44
)

// Root of the cpu topology tree. Overridable for tests.
var cpuSysPath = "/sys/devices/system/cpu"

// Root complex device ids that anchor one NBIO instance.
var nbioRootIDs = map[uint16]bool{
	0x1480: true, // family 17h/19h
	0x14A4: true, // family 19h models A0h-AFh
	0x153A: true, // family 1Ah
}

// Internal functions that never own externally visible buses and are
// ignored for bus accounting.
var internalDevIDs = map[uint16]bool{
	0x1481: true, // IOMMU
	0x1490: true, // data fabric function 0
	0x1491: true,
	0x1492: true,
	0x1493: true,
	0x1494: true,
	0x1495: true,
	0x1496: true,
	0x1497: true, // data fabric function 7
	0x790B: true, // FCH SMBus
	0x790E: true, // FCH LPC bridge
}

// NbioTile is one NBIO instance: the PCI endpoint that anchors it, the
// owning socket, the instance id within the socket and the contiguous
// bus range it is responsible for. Read-only after discovery.
type NbioTile struct {
	Bdf      BDF    `json:"BDF"`
	DevID    uint16 `json:"dev_id"`
	SockInd  uint16 `json:"sock_ind"`
	NbioID   uint8  `json:"nbio_id"`
	BusBase  uint8  `json:"bus_base"`
	BusLimit uint8  `json:"bus_limit"`
}

// Topology is the immutable result of discovery. It may be read
// concurrently by any number of goroutines without locking.
type Topology struct {
	Tiles      []NbioTile `json:"tiles"`
	NumSockets uint16     `json:"num_sockets"`

	// Buses hosting devices other than the management endpoints,
	// as seen during enumeration.
	ExtBuses []uint8 `json:"ext_buses"`

	busToTile   [256]uint8
	socketPorts []RegPort
}

type pciDevice struct {
	Bdf    BDF
	Vendor uint16
	Device uint16
	Class  uint32
}

// DiscoverTopology enumerates the PCI hierarchy and builds the socket /
// NBIO map. Any inconsistency is fatal: either a complete topology is
// returned or none at all.
func DiscoverTopology() (*Topology, error) {
	devs, err := enumeratePciDevices()
	if err != nil {
		return nil, fmt.Errorf("enumerating pci devices: %v: %w", err, ErrTopology)
	}
	return discoverTopology(devs, func(bdf BDF) (RegPort, error) {
		return newPciPort(bdf)
	})
}

func discoverTopology(devs []pciDevice, openPort func(BDF) (RegPort, error)) (*Topology, error) {
	tiles, extBuses, err := scanDevices(devs)
	if err != nil {
		return nil, err
	}
	orderTiles(tiles)

	topo := &Topology{
		Tiles:      tiles,
		NumSockets: uint16(len(tiles) / NBIO_PER_SOCKET),
		ExtBuses:   extBuses,
	}

	// The lowest-bus tile of each socket group supplies the endpoint the
	// discovery register reads go through.
	for s := uint16(0); s < topo.NumSockets; s++ {
		anchor := tiles[int(s)*NBIO_PER_SOCKET]
		port, err := openPort(anchor.Bdf)
		if err != nil {
			return nil, fmt.Errorf("opening port for socket %d at %s: %v: %w", s, anchor.Bdf, err, ErrTopology)
		}
		topo.socketPorts = append(topo.socketPorts, port)
	}

	if err := remapTiles(tiles, topo.socketPorts); err != nil {
		return nil, err
	}

	for i, tile := range tiles {
		for bus := int(tile.BusBase); bus <= int(tile.BusLimit); bus++ {
			topo.busToTile[bus] = uint8(i)
		}
		klog.V(DBG_LVL_INFO).Infof("hsmp-topology: socket %d nbio %d owns bus 0x%02X-0x%02X via %s",
			tile.SockInd, tile.NbioID, tile.BusBase, tile.BusLimit, tile.Bdf)
	}
	return topo, nil
}

// scanDevices partitions the enumerated devices into NBIO anchors,
// ignored internal functions and externally visible buses.
func scanDevices(devs []pciDevice) ([]NbioTile, []uint8, error) {
	var tiles []NbioTile
	var extBuses []uint8
	busSeen := map[uint8]bool{}

	for _, d := range devs {
		switch {
		case d.Vendor == AMD_VENDOR_ID && nbioRootIDs[d.Device]:
			if len(tiles) == MAX_NBIO {
				return nil, nil, fmt.Errorf("more than %d nbio instances enumerated: %w", MAX_NBIO, ErrTopology)
			}
			tiles = append(tiles, NbioTile{Bdf: d.Bdf, DevID: d.Device, BusBase: d.Bdf.Bus})
		case d.Vendor == AMD_VENDOR_ID && internalDevIDs[d.Device]:
			klog.V(DBG_LVL_DEEP_DETAIL).Infof("hsmp-topology.scanDevices: skip internal device %s [%04x:%04x]", d.Bdf, d.Vendor, d.Device)
		default:
			if !busSeen[d.Bdf.Bus] {
				busSeen[d.Bdf.Bus] = true
				extBuses = append(extBuses, d.Bdf.Bus)
			}
		}
	}

	if len(tiles) == 0 || len(tiles)%NBIO_PER_SOCKET != 0 {
		return nil, nil, fmt.Errorf("nbio count %d is not a 1- or 2-socket configuration: %w", len(tiles), ErrTopology)
	}
	sort.Slice(extBuses, func(i, j int) bool { return extBuses[i] < extBuses[j] })
	return tiles, extBuses, nil
}

// orderTiles sorts the tiles by provisional bus base and derives the
// contiguous bus ranges: each tile ends where the next begins, the last
// one owns the remainder of the bus space.
func orderTiles(tiles []NbioTile) {
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].BusBase < tiles[j].BusBase })
	for i := range tiles {
		if i+1 < len(tiles) {
			tiles[i].BusLimit = tiles[i+1].BusBase - 1
		} else {
			tiles[i].BusLimit = 0xFF
		}
		// Provisional only: the authoritative socket and instance ids
		// come from the remap below.
		tiles[i].SockInd = uint16(i / NBIO_PER_SOCKET)
	}
}

// remapTiles stamps each provisional tile with its authoritative
// (socket, nbio) identity. Enumeration order does not match the logical
// instance numbering, so for every instance slot the firmware register
// reports the base bus it owns and the owning provisional record is
// resolved through the bus ranges. A base bus matching no provisional
// range, or one claimed twice, fails discovery.
func remapTiles(tiles []NbioTile, socketPorts []RegPort) error {
	stamped := make([]bool, len(tiles))
	for s, port := range socketPorts {
		for j := 0; j < NBIO_PER_SOCKET; j++ {
			addr := uint32(SMN_IOHC_MISC_BASE + j*SMN_IOHC_MISC_STRIDE + SMN_NB_BUS_NUM_CNTL)
			val, err := port.ReadReg(addr)
			if err != nil {
				return fmt.Errorf("socket %d nbio %d: reading bus base register: %v: %w", s, j, err, ErrTopology)
			}
			base := uint8(val & 0xFF)
			idx := tileIndexForBus(tiles, base)
			if idx < 0 {
				return fmt.Errorf("socket %d nbio %d reports base bus 0x%02X outside every provisional range: %w", s, j, base, ErrTopology)
			}
			if stamped[idx] {
				return fmt.Errorf("socket %d nbio %d reports base bus 0x%02X already claimed: %w", s, j, base, ErrTopology)
			}
			stamped[idx] = true
			tiles[idx].SockInd = uint16(s)
			tiles[idx].NbioID = uint8(j)
		}
	}
	return nil
}

func tileIndexForBus(tiles []NbioTile, bus uint8) int {
	for i := range tiles {
		if bus >= tiles[i].BusBase && bus <= tiles[i].BusLimit {
			return i
		}
	}
	return -1
}

// SocketAnchor returns the lowest-bus tile of socket index, the
// endpoint the socket's register port is bound to.
func (t *Topology) SocketAnchor(index uint16) NbioTile {
	return t.Tiles[int(index)*NBIO_PER_SOCKET]
}

// TileForBus resolves an externally visible bus number to the NBIO
// instance owning it. Pure lookup, safe for concurrent readers.
func (t *Topology) TileForBus(bus uint8) NbioTile {
	return t.Tiles[t.busToTile[bus]]
}

// BusToSocket resolves a bus number to its owning (socket, nbio) pair.
func (t *Topology) BusToSocket(bus uint8) (uint16, uint8) {
	tile := t.TileForBus(bus)
	return tile.SockInd, tile.NbioID
}

// CPUToSocket resolves a logical cpu to the socket containing it.
func CPUToSocket(cpu int) (uint16, error) {
	path := filepath.Join(cpuSysPath, fmt.Sprintf("cpu%d", cpu), "topology", "physical_package_id")
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("resolving socket of cpu %d: %w", cpu, err)
	}
	pkg, err := strconv.ParseUint(strings.TrimSpace(string(fileBytes)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("resolving socket of cpu %d: %w", cpu, err)
	}
	return uint16(pkg), nil
}

func enumeratePciDevices() ([]pciDevice, error) {
	links, err := os.ReadDir(pcieDevPath)
	if err != nil {
		return nil, err
	}

	var devs []pciDevice
	for _, link := range links {
		bdf := BDF{}
		if err := bdf.addrToBDF(link.Name()); err != nil {
			klog.V(DBG_LVL_BASIC).Infof("hsmp-topology.enumeratePciDevices: %v", err)
			continue
		}
		vendor, err := readHexAttr(link.Name(), "vendor")
		if err != nil {
			return nil, err
		}
		device, err := readHexAttr(link.Name(), "device")
		if err != nil {
			return nil, err
		}
		class, err := readHexAttr(link.Name(), "class")
		if err != nil {
			return nil, err
		}
		devs = append(devs, pciDevice{
			Bdf:    bdf,
			Vendor: uint16(vendor),
			Device: uint16(device),
			Class:  uint32(class),
		})
		klog.V(DBG_LVL_DEEP_DETAIL).InfoS("hsmp-topology.enumeratePciDevices", "bdf", bdf.String(), "vendor", hex(vendor), "device", hex(device))
	}
	return devs, nil
}

func readHexAttr(dev, attr string) (uint64, error) {
	fileBytes, err := os.ReadFile(filepath.Join(pcieDevPath, dev, attr))
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(fileBytes)), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s of %s: %w", attr, dev, err)
	}
	return val, nil
}

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("%X", a)
}

var (
	pciDBOnce sync.Once
	pciDB     *pcidb.PCIDB
)

// PciNameFor returns the human readable vendor and device names from
// the pci.ids database, or hex ids when the database is unavailable.
func PciNameFor(vendor, device uint16) (string, string) {
	pciDBOnce.Do(func() {
		db, err := pcidb.New()
		if err != nil {
			klog.V(DBG_LVL_BASIC).Infof("hsmp-topology.PciNameFor: pci.ids unavailable: %v", err)
			return
		}
		pciDB = db
	})

	vendorName := fmt.Sprintf("0x%04X", vendor)
	deviceName := fmt.Sprintf("0x%04X", device)
	if pciDB == nil {
		return vendorName, deviceName
	}
	if v, ok := pciDB.Vendors[fmt.Sprintf("%04x", vendor)]; ok {
		vendorName = v.Name
		for _, product := range v.Products {
			if product.ID == fmt.Sprintf("%04x", device) {
				deviceName = product.Name
				break
			}
		}
	}
	return vendorName, deviceName
}
