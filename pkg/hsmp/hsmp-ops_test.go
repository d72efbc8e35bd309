// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

package hsmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respondWith returns a port whose firmware acknowledges every message
// with status OK and the given first response word.
func respondWith(raw uint32) *fakePort {
	p := newFakePort()
	p.onTrigger = func(p *fakePort, msgID uint32) {
		p.regs[tstDataAddr] = raw
		p.regs[tstRespAddr] = HSMP_STATUS_OK
	}
	return p
}

func TestGetSocketPower(t *testing.T) {
	registry := newTestRegistry(respondWith(118_000))
	mw, err := registry.GetSocketPower(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(118_000), mw)
}

func TestGetSmuFwVersionDecodesCachedWord(t *testing.T) {
	registry := newTestRegistry(newFakePort())
	registry.sockets[0].smuVer = 0x00450B00
	ver, err := registry.GetSmuFwVersion(0)
	require.NoError(t, err)
	assert.Equal(t, SmuFwVersion{Major: 0x45, Minor: 0x0B, Debug: 0}, ver)
	assert.Equal(t, "69.11.0", ver.String())
}

func TestSetCoreBoostLimitPacking(t *testing.T) {
	port := newFakePort()
	var gotID uint32
	port.onTrigger = func(p *fakePort, msgID uint32) {
		gotID = msgID
		p.regs[tstRespAddr] = HSMP_STATUS_OK
	}
	registry := newTestRegistry(port)

	require.NoError(t, registry.SetCoreBoostLimit(0, 0x0030, 3400))
	assert.Equal(t, uint32(HSMP_SET_BOOST_LIMIT), gotID)
	assert.Equal(t, uint32(0x0030)<<16|3400, port.regs[tstDataAddr])
}

func TestGetCoreBoostLimitMasksUpperBits(t *testing.T) {
	registry := newTestRegistry(respondWith(0xABCD0DAC))
	mhz, err := registry.GetCoreBoostLimit(0, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0DAC), mhz)
}

func TestGetProcHot(t *testing.T) {
	registry := newTestRegistry(respondWith(0x1))
	hot, err := registry.GetProcHot(0)
	require.NoError(t, err)
	assert.True(t, hot)

	registry = newTestRegistry(respondWith(0x0))
	hot, err = registry.GetProcHot(0)
	require.NoError(t, err)
	assert.False(t, hot)
}

func TestSetXgmiLinkWidthPacking(t *testing.T) {
	port := newFakePort()
	registry := newTestRegistry(port)
	require.NoError(t, registry.SetXgmiLinkWidth(0, 1, 2))
	assert.Equal(t, uint32(1)<<8|2, port.regs[tstDataAddr])
}

func TestSetDFPstateBoundsCheckedBeforeHardware(t *testing.T) {
	port := newFakePort()
	registry := newTestRegistry(port)

	err := registry.SetDFPstate(0, 4)
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Zero(t, port.accessCount())

	require.NoError(t, registry.SetDFPstate(0, 3))
	assert.Equal(t, uint32(3), port.regs[tstDataAddr])
}

func TestGetFclkMclk(t *testing.T) {
	port := newFakePort()
	port.onTrigger = func(p *fakePort, msgID uint32) {
		p.regs[tstDataAddr] = 1600
		p.regs[tstDataAddr+4] = 1467
		p.regs[tstRespAddr] = HSMP_STATUS_OK
	}
	registry := newTestRegistry(port)

	fclk, mclk, err := registry.GetFclkMclk(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1600), fclk)
	assert.Equal(t, uint32(1467), mclk)
}

func TestSetNbioDpmLevelResolvesSocketThroughBusMap(t *testing.T) {
	port0 := newFakePort()
	port1 := newFakePort()
	registry := newTestRegistry(port0, port1)

	topo := &Topology{
		NumSockets: 2,
		Tiles: []NbioTile{
			{SockInd: 0, NbioID: 0, BusBase: 0x00, BusLimit: 0x7F},
			{SockInd: 1, NbioID: 2, BusBase: 0x80, BusLimit: 0xFF},
		},
	}
	for i, tile := range topo.Tiles {
		for bus := int(tile.BusBase); bus <= int(tile.BusLimit); bus++ {
			topo.busToTile[bus] = uint8(i)
		}
	}
	registry.topo = topo

	require.NoError(t, registry.SetNbioDpmLevel(0x90, 1, 3))
	assert.Zero(t, port0.accessCount())
	assert.Equal(t, uint32(2)<<16|uint32(3)<<8|1, port1.regs[tstDataAddr])
}

func TestGetDDRBandwidthDecode(t *testing.T) {
	raw := uint32(100)<<20 | uint32(37)<<8 | 37
	registry := newTestRegistry(respondWith(raw))

	bw, err := registry.GetDDRBandwidth(0)
	require.NoError(t, err)
	assert.Equal(t, DDRBandwidth{MaxGBps: 100, UtilizedGBps: 37, UtilizedPct: 37}, bw)
}

func TestGetTemperatureDecode(t *testing.T) {
	// 45 degrees plus five eighths.
	raw := uint32(45)<<8 | uint32(5)<<5
	registry := newTestRegistry(respondWith(raw))

	temp, err := registry.GetTemperature(0)
	require.NoError(t, err)
	assert.InDelta(t, 45.625, temp, 1e-9)
}
