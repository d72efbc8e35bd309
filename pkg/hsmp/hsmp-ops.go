// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements typed wrappers over the raw message interface:
// one call per management operation, with the argument packing and unit
// conversions the firmware expects.
package hsmp

import (
	"fmt"
)

// SmuFwVersion is the decoded SMU firmware version word.
type SmuFwVersion struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
	Debug uint8 `json:"debug"`
}

func (v SmuFwVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Debug)
}

// DDRBandwidth is the decoded DDR bandwidth telemetry word.
type DDRBandwidth struct {
	MaxGBps      uint32 `json:"max_gbps"`      // theoretical maximum
	UtilizedGBps uint32 `json:"utilized_gbps"` // currently utilized
	UtilizedPct  uint32 `json:"utilized_pct"`
}

func (r *Registry) sendGet(sock uint16, id MsgID, args ...uint32) (*Message, error) {
	msg := Message{
		MsgID:      id,
		NumArgs:    uint16(len(args)),
		ResponseSz: msgCatalog[id].respSz,
		SockInd:    sock,
	}
	copy(msg.Args[:], args)
	if err := r.SendMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *Registry) sendSet(sock uint16, id MsgID, args ...uint32) error {
	msg := Message{
		MsgID:   id,
		NumArgs: uint16(len(args)),
		SockInd: sock,
	}
	copy(msg.Args[:], args)
	return r.SendMessage(&msg)
}

// GetSmuFwVersion returns the SMU firmware version of the socket.
func (r *Registry) GetSmuFwVersion(sock uint16) (SmuFwVersion, error) {
	s, err := r.Socket(sock)
	if err != nil {
		return SmuFwVersion{}, err
	}
	return SmuFwVersion{
		Major: uint8(s.smuVer >> 16),
		Minor: uint8(s.smuVer >> 8),
		Debug: uint8(s.smuVer),
	}, nil
}

// GetProtoVersion returns the HSMP protocol version the socket firmware
// reported at initialization.
func (r *Registry) GetProtoVersion(sock uint16) (uint32, error) {
	s, err := r.Socket(sock)
	if err != nil {
		return 0, err
	}
	return s.protoVer, nil
}

// GetSocketPower returns the current socket power draw in milliwatts.
func (r *Registry) GetSocketPower(sock uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_SOCKET_POWER)
	if err != nil {
		return 0, err
	}
	return msg.Response[0], nil
}

// GetSocketPowerLimit returns the active socket power limit in
// milliwatts.
func (r *Registry) GetSocketPowerLimit(sock uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_SOCKET_POWER_LIMIT)
	if err != nil {
		return 0, err
	}
	return msg.Response[0], nil
}

// GetSocketPowerLimitMax returns the highest settable power limit in
// milliwatts.
func (r *Registry) GetSocketPowerLimitMax(sock uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_SOCKET_POWER_LIMIT_MAX)
	if err != nil {
		return 0, err
	}
	return msg.Response[0], nil
}

// SetSocketPowerLimit sets the socket power limit in milliwatts. The
// firmware clamps values above the platform maximum.
func (r *Registry) SetSocketPowerLimit(sock uint16, milliwatts uint32) error {
	return r.sendSet(sock, HSMP_SET_SOCKET_POWER_LIMIT, milliwatts)
}

// SetBoostLimitSocket sets the core boost frequency ceiling, in MHz,
// for every core of the socket.
func (r *Registry) SetBoostLimitSocket(sock uint16, limitMHz uint32) error {
	return r.sendSet(sock, HSMP_SET_BOOST_LIMIT_SOCKET, limitMHz)
}

// SetCoreBoostLimit sets the boost frequency ceiling, in MHz, of one
// core. coreID is the hardware (APIC) core identifier packed into the
// upper argument half.
func (r *Registry) SetCoreBoostLimit(sock uint16, coreID uint16, limitMHz uint32) error {
	return r.sendSet(sock, HSMP_SET_BOOST_LIMIT, uint32(coreID)<<16|limitMHz&0xFFFF)
}

// GetCoreBoostLimit returns the boost frequency ceiling, in MHz, of one
// core.
func (r *Registry) GetCoreBoostLimit(sock uint16, coreID uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_BOOST_LIMIT, uint32(coreID)<<16)
	if err != nil {
		return 0, err
	}
	return msg.Response[0] & 0xFFFF, nil
}

// GetProcHot reports whether the socket PROCHOT signal is asserted.
func (r *Registry) GetProcHot(sock uint16) (bool, error) {
	msg, err := r.sendGet(sock, HSMP_GET_PROC_HOT)
	if err != nil {
		return false, err
	}
	return msg.Response[0]&0x1 != 0, nil
}

// SetXgmiLinkWidth bounds the xGMI link width between sockets, encoded
// as minimum and maximum width indexes.
func (r *Registry) SetXgmiLinkWidth(sock uint16, min, max uint8) error {
	return r.sendSet(sock, HSMP_SET_XGMI_LINK_WIDTH, uint32(min)<<8|uint32(max))
}

// SetDFPstate pins the data fabric P-state (0 highest performance to 3
// lowest), disabling autonomous selection.
func (r *Registry) SetDFPstate(sock uint16, pstate uint8) error {
	if pstate > 3 {
		return fmt.Errorf("df p-state %d out of range 0-3: %w", pstate, ErrBadMessage)
	}
	return r.sendSet(sock, HSMP_SET_DF_PSTATE, uint32(pstate))
}

// EnableAutoDFPstate returns data fabric P-state selection to firmware
// control.
func (r *Registry) EnableAutoDFPstate(sock uint16) error {
	return r.sendSet(sock, HSMP_AUTO_DF_PSTATE)
}

// GetFclkMclk returns the current fabric and memory clocks in MHz.
func (r *Registry) GetFclkMclk(sock uint16) (uint32, uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_FCLK_MCLK)
	if err != nil {
		return 0, 0, err
	}
	return msg.Response[0], msg.Response[1], nil
}

// GetCclkThrottleLimit returns the core clock throttle ceiling in MHz.
func (r *Registry) GetCclkThrottleLimit(sock uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_CCLK_THROTTLE_LIMIT)
	if err != nil {
		return 0, err
	}
	return msg.Response[0], nil
}

// GetC0Percent returns the average C0 residency of the socket's cores
// in percent.
func (r *Registry) GetC0Percent(sock uint16) (uint32, error) {
	msg, err := r.sendGet(sock, HSMP_GET_C0_PERCENT)
	if err != nil {
		return 0, err
	}
	return msg.Response[0], nil
}

// SetNbioDpmLevel bounds the link DPM level of the NBIO instance owning
// bus. The owning (socket, nbio) pair is resolved through the topology
// bus map.
func (r *Registry) SetNbioDpmLevel(bus uint8, min, max uint8) error {
	sock, nbio := r.topo.BusToSocket(bus)
	return r.sendSet(sock, HSMP_SET_NBIO_DPM_LEVEL, uint32(nbio)<<16|uint32(max)<<8|uint32(min))
}

// GetDDRBandwidth returns the DDR bandwidth telemetry of the socket.
// Requires protocol version 3.
func (r *Registry) GetDDRBandwidth(sock uint16) (DDRBandwidth, error) {
	msg, err := r.sendGet(sock, HSMP_GET_DDR_BANDWIDTH)
	if err != nil {
		return DDRBandwidth{}, err
	}
	raw := msg.Response[0]
	return DDRBandwidth{
		MaxGBps:      raw >> 20,
		UtilizedGBps: raw >> 8 & 0xFFF,
		UtilizedPct:  raw & 0xFF,
	}, nil
}

// GetTemperature returns the socket temperature in degrees Celsius at
// 0.125 degree granularity. Requires protocol version 4.
func (r *Registry) GetTemperature(sock uint16) (float64, error) {
	msg, err := r.sendGet(sock, HSMP_GET_TEMP_MONITOR)
	if err != nil {
		return 0, err
	}
	// [31:8] integer part, [7:5] eighths, low bits reserved.
	raw := msg.Response[0]
	return float64(raw>>8) + 0.125*float64(raw>>5&0x7), nil
}
