// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

package hsmp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tstDev(bus uint8, vendor, device uint16) pciDevice {
	return pciDevice{Bdf: BDF{Bus: bus}, Vendor: vendor, Device: device}
}

// remapPort answers the NB_BUS_NUM_CNTL reads of one socket with the
// scripted base bus per NBIO instance.
type remapPort struct {
	bases []uint32
	err   error
}

func (p *remapPort) ReadReg(addr uint32) (uint32, error) {
	if p.err != nil {
		return 0, p.err
	}
	j := (addr - SMN_IOHC_MISC_BASE - SMN_NB_BUS_NUM_CNTL) / SMN_IOHC_MISC_STRIDE
	return p.bases[j], nil
}

func (p *remapPort) WriteReg(addr uint32, value uint32) error { return nil }

func openerFor(ports map[uint8]RegPort) func(BDF) (RegPort, error) {
	return func(bdf BDF) (RegPort, error) {
		port, ok := ports[bdf.Bus]
		if !ok {
			return nil, fmt.Errorf("no port for bus 0x%02X", bdf.Bus)
		}
		return port, nil
	}
}

func TestScanDevicesPartitioning(t *testing.T) {
	devs := []pciDevice{
		tstDev(0x00, AMD_VENDOR_ID, 0x1480), // nbio anchor
		tstDev(0x00, AMD_VENDOR_ID, 0x1490), // df function, ignored
		tstDev(0x00, AMD_VENDOR_ID, 0x1481), // iommu, ignored
		tstDev(0x40, AMD_VENDOR_ID, 0x1480),
		tstDev(0x80, AMD_VENDOR_ID, 0x1480),
		tstDev(0xC0, AMD_VENDOR_ID, 0x1480),
		tstDev(0x41, 0x8086, 0x1572), // external nic
		tstDev(0x82, 0x144D, 0xA808), // external nvme
		tstDev(0x82, 0x144D, 0xA808), // same bus, counted once
	}

	tiles, extBuses, err := scanDevices(devs)
	require.NoError(t, err)
	assert.Len(t, tiles, 4)
	assert.Equal(t, []uint8{0x41, 0x82}, extBuses)
}

func TestScanDevicesRejectsBadTileCounts(t *testing.T) {
	var devs []pciDevice
	for i := 0; i < 5; i++ {
		devs = append(devs, tstDev(uint8(i*0x20), AMD_VENDOR_ID, 0x1480))
	}
	_, _, err := scanDevices(devs)
	assert.ErrorIs(t, err, ErrTopology)

	devs = nil
	for i := 0; i < 9; i++ {
		devs = append(devs, tstDev(uint8(i*0x10), AMD_VENDOR_ID, 0x1480))
	}
	_, _, err = scanDevices(devs)
	assert.ErrorIs(t, err, ErrTopology)

	_, _, err = scanDevices(nil)
	assert.ErrorIs(t, err, ErrTopology)
}

func TestOrderTilesSingleSocket(t *testing.T) {
	// Enumeration order deliberately scrambled.
	tiles := []NbioTile{
		{BusBase: 0x80}, {BusBase: 0x00}, {BusBase: 0xC0}, {BusBase: 0x40},
	}
	orderTiles(tiles)

	wantBase := []uint8{0x00, 0x40, 0x80, 0xC0}
	wantLimit := []uint8{0x3F, 0x7F, 0xBF, 0xFF}
	for i := range tiles {
		assert.Equal(t, wantBase[i], tiles[i].BusBase)
		assert.Equal(t, wantLimit[i], tiles[i].BusLimit)
		assert.Equal(t, uint16(0), tiles[i].SockInd)
	}
}

func TestOrderTilesTwoSockets(t *testing.T) {
	var tiles []NbioTile
	for i := 7; i >= 0; i-- {
		tiles = append(tiles, NbioTile{BusBase: uint8(i * 0x20)})
	}
	orderTiles(tiles)

	for i := range tiles {
		assert.Equal(t, uint8(i*0x20), tiles[i].BusBase)
		wantSock := uint16(0)
		if i >= 4 {
			wantSock = 1
		}
		assert.Equal(t, wantSock, tiles[i].SockInd)
	}
	assert.Equal(t, uint8(0xFF), tiles[7].BusLimit)
}

func TestDiscoverTopologySingleSocket(t *testing.T) {
	devs := []pciDevice{
		tstDev(0xC0, AMD_VENDOR_ID, 0x1480),
		tstDev(0x00, AMD_VENDOR_ID, 0x1480),
		tstDev(0x80, AMD_VENDOR_ID, 0x1480),
		tstDev(0x40, AMD_VENDOR_ID, 0x1480),
		tstDev(0x02, 0x8086, 0x1572),
	}
	// Logical instance order differs from bus order on purpose.
	ports := map[uint8]RegPort{
		0x00: &remapPort{bases: []uint32{0x80, 0x00, 0xC0, 0x40}},
	}

	topo, err := discoverTopology(devs, openerFor(ports))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), topo.NumSockets)
	require.Len(t, topo.Tiles, 4)

	// Tiles stay bus ordered; identities follow the firmware register.
	wantNbio := []uint8{1, 3, 0, 2}
	for i, tile := range topo.Tiles {
		assert.Equal(t, uint16(0), tile.SockInd)
		assert.Equal(t, wantNbio[i], tile.NbioID)
	}

	sock, nbio := topo.BusToSocket(0x93)
	assert.Equal(t, uint16(0), sock)
	assert.Equal(t, uint8(0), nbio)
}

func TestDiscoverTopologyTwoSockets(t *testing.T) {
	var devs []pciDevice
	for i := 0; i < 8; i++ {
		devs = append(devs, tstDev(uint8(i*0x20), AMD_VENDOR_ID, 0x1480))
	}
	ports := map[uint8]RegPort{
		0x00: &remapPort{bases: []uint32{0x00, 0x20, 0x40, 0x60}},
		0x80: &remapPort{bases: []uint32{0x80, 0xA0, 0xC0, 0xE0}},
	}

	topo, err := discoverTopology(devs, openerFor(ports))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), topo.NumSockets)
	for i, tile := range topo.Tiles {
		wantSock := uint16(0)
		if i >= 4 {
			wantSock = 1
		}
		assert.Equal(t, wantSock, tile.SockInd, "tile %d", i)
		assert.Equal(t, uint8(i%4), tile.NbioID, "tile %d", i)
	}

	sock, _ := topo.BusToSocket(0xF5)
	assert.Equal(t, uint16(1), sock)
	assert.Equal(t, uint8(0x80), topo.SocketAnchor(1).BusBase)
}

func TestDiscoverTopologyUnmappedBaseBusFails(t *testing.T) {
	devs := []pciDevice{
		tstDev(0x10, AMD_VENDOR_ID, 0x1480),
		tstDev(0x40, AMD_VENDOR_ID, 0x1480),
		tstDev(0x80, AMD_VENDOR_ID, 0x1480),
		tstDev(0xC0, AMD_VENDOR_ID, 0x1480),
	}
	// 0x05 is below every provisional range.
	ports := map[uint8]RegPort{
		0x10: &remapPort{bases: []uint32{0x10, 0x40, 0x80, 0x05}},
	}
	_, err := discoverTopology(devs, openerFor(ports))
	assert.ErrorIs(t, err, ErrTopology)
}

func TestDiscoverTopologyDuplicateBaseBusFails(t *testing.T) {
	devs := []pciDevice{
		tstDev(0x00, AMD_VENDOR_ID, 0x1480),
		tstDev(0x40, AMD_VENDOR_ID, 0x1480),
		tstDev(0x80, AMD_VENDOR_ID, 0x1480),
		tstDev(0xC0, AMD_VENDOR_ID, 0x1480),
	}
	ports := map[uint8]RegPort{
		0x00: &remapPort{bases: []uint32{0x00, 0x40, 0x80, 0x80}},
	}
	_, err := discoverTopology(devs, openerFor(ports))
	assert.ErrorIs(t, err, ErrTopology)
}

func TestDiscoverTopologyReadErrorFails(t *testing.T) {
	devs := []pciDevice{
		tstDev(0x00, AMD_VENDOR_ID, 0x1480),
		tstDev(0x40, AMD_VENDOR_ID, 0x1480),
		tstDev(0x80, AMD_VENDOR_ID, 0x1480),
		tstDev(0xC0, AMD_VENDOR_ID, 0x1480),
	}
	ports := map[uint8]RegPort{
		0x00: &remapPort{err: errors.New("smn read refused")},
	}
	_, err := discoverTopology(devs, openerFor(ports))
	assert.ErrorIs(t, err, ErrTopology)
}

func TestCPUToSocket(t *testing.T) {
	dir := t.TempDir()
	topoDir := filepath.Join(dir, "cpu17", "topology")
	require.NoError(t, os.MkdirAll(topoDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(topoDir, "physical_package_id"), []byte("1\n"), 0644))

	orig := cpuSysPath
	cpuSysPath = dir
	defer func() { cpuSysPath = orig }()

	sock, err := CPUToSocket(17)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sock)

	_, err = CPUToSocket(99)
	assert.Error(t, err)
}

func TestEnumeratePciDevices(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "0000:40:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "vendor"), []byte("0x1022\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "device"), []byte("0x1480\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "class"), []byte("0x060000\n"), 0644))

	orig := pcieDevPath
	pcieDevPath = dir
	defer func() { pcieDevPath = orig }()

	devs, err := enumeratePciDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, uint16(0x1022), devs[0].Vendor)
	assert.Equal(t, uint16(0x1480), devs[0].Device)
	assert.Equal(t, uint32(0x060000), devs[0].Class)
	assert.Equal(t, uint8(0x40), devs[0].Bdf.Bus)
}
