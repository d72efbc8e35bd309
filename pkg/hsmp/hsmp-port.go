// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements the register port abstraction over the PCI
// config-space index/data pair used to reach SMN addresses.
package hsmp

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// SMN accesses go through an index/data register pair in the root
// complex config space: write the SMN address to the index register,
// then read or write the data register.
const (
	HSMP_INDEX_REG = 0xC4
	HSMP_DATA_REG  = 0xC8
)

// Root of the PCI device tree. Overridable for tests.
var pcieDevPath = "/sys/bus/pci/devices"

// RegPort is the capability the mailbox transport is written against:
// one 32-bit read or write at an SMN address. Implementations provide
// no retries and no concurrency guarantees; callers must serialize.
type RegPort interface {
	ReadReg(addr uint32) (uint32, error)
	WriteReg(addr uint32, value uint32) error
}

type BDF struct {
	Domain   uint16 `json:"Domain"`
	Bus      uint8  `json:"Bus"`
	Device   uint8  `json:"Device"`
	Function uint8  `json:"Function"`
}

func (b *BDF) addrToBDF(addr string) error {
	bdfStringList := strings.Split(strings.ToLower(addr), ":")
	if len(bdfStringList) != 3 {
		return fmt.Errorf("address format error. Expect $domain:$bus:$dev.$func, got %q", addr)
	}
	dfStringList := strings.Split(bdfStringList[2], ".")
	if len(dfStringList) != 2 {
		return fmt.Errorf("address format error. Expect $domain:$bus:$dev.$func, got %q", addr)
	}

	b.Domain = uint16(hexToInt(bdfStringList[0]))
	b.Bus = uint8(hexToInt(bdfStringList[1]))
	b.Device = uint8(hexToInt(dfStringList[0]))
	b.Function = uint8(hexToInt(dfStringList[1]))
	return nil
}

// String returns the Linux fs form DOMAIN:BUS:DEV.FUN
func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%1x", b.Domain, b.Bus, b.Device, b.Function)
}

func hexToInt(hexStr string) uint64 {
	result, _ := strconv.ParseUint(strings.TrimPrefix(hexStr, "0x"), 16, 64)
	return result
}

// pciPort reaches SMN space through the config file of one root
// complex endpoint. Each logical access is two config accesses.
type pciPort struct {
	bdf  BDF
	file *os.File
}

// newPciPort opens the config space of the endpoint at bdf.
func newPciPort(bdf BDF) (*pciPort, error) {
	path := filepath.Join(pcieDevPath, bdf.String(), "config")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening config space of %s: %w", bdf, err)
	}
	klog.V(DBG_LVL_INFO).Infof("hsmp-port.newPciPort: %s", bdf)
	return &pciPort{bdf: bdf, file: file}, nil
}

func (p *pciPort) configWrite(off int64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := p.file.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("config write %s offset 0x%X: %w", p.bdf, off, err)
	}
	return nil
}

func (p *pciPort) configRead(off int64) (uint32, error) {
	var buf [4]byte
	if _, err := p.file.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("config read %s offset 0x%X: %w", p.bdf, off, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (p *pciPort) WriteReg(addr uint32, value uint32) error {
	if err := p.configWrite(HSMP_INDEX_REG, addr); err != nil {
		return err
	}
	return p.configWrite(HSMP_DATA_REG, value)
}

func (p *pciPort) ReadReg(addr uint32) (uint32, error) {
	if err := p.configWrite(HSMP_INDEX_REG, addr); err != nil {
		return 0, err
	}
	return p.configRead(HSMP_DATA_REG)
}

func (p *pciPort) Close() error {
	return p.file.Close()
}
