// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements the HSMP message catalog and the wire-level
// message structure shared with external callers.
package hsmp

import (
	"fmt"
)

// Maximum number of 32-bit argument / response words per exchange.
const HSMP_MAX_MSG_LEN = 8

// MsgID : identifier of one HSMP mailbox operation.
type MsgID uint32

// Message identifiers supported by the management firmware. The values
// are part of the wire format and must not be reordered.
const (
	HSMP_TEST MsgID = iota + 1
	HSMP_GET_SMU_VER
	HSMP_GET_PROTO_VER
	HSMP_GET_SOCKET_POWER
	HSMP_SET_SOCKET_POWER_LIMIT
	HSMP_GET_SOCKET_POWER_LIMIT
	HSMP_GET_SOCKET_POWER_LIMIT_MAX
	HSMP_SET_BOOST_LIMIT
	HSMP_SET_BOOST_LIMIT_SOCKET
	HSMP_GET_BOOST_LIMIT
	HSMP_GET_PROC_HOT
	HSMP_SET_XGMI_LINK_WIDTH
	HSMP_SET_DF_PSTATE
	HSMP_AUTO_DF_PSTATE
	HSMP_GET_FCLK_MCLK
	HSMP_GET_CCLK_THROTTLE_LIMIT
	HSMP_GET_C0_PERCENT
	HSMP_SET_NBIO_DPM_LEVEL
	HSMP_RESERVED
	HSMP_GET_DDR_BANDWIDTH
	HSMP_GET_TEMP_MONITOR
	HSMP_MSG_ID_MAX
)

// MsgDirection : classification of a message as telemetry or control.
type MsgDirection int

const (
	DirGet MsgDirection = iota // telemetry / monitor
	DirSet                     // control / configure
)

func (d MsgDirection) String() string {
	if d == DirSet {
		return "set"
	}
	return "get"
}

// Message is the wire shape of one mailbox exchange. It matches the
// structure external callers submit: the caller fills MsgID, NumArgs,
// ResponseSz, Args (zero-filling unused slots) and SockInd; Response is
// populated on success up to ResponseSz words.
type Message struct {
	MsgID      MsgID                    `json:"msg_id"`
	NumArgs    uint16                   `json:"num_args"`
	ResponseSz uint16                   `json:"response_sz"`
	Args       [HSMP_MAX_MSG_LEN]uint32 `json:"args"`
	Response   [HSMP_MAX_MSG_LEN]uint32 `json:"response"`
	SockInd    uint16                   `json:"sock_ind"`
}

// msgDesc describes one catalog entry: direction, the argument and
// response word counts the firmware expects, and the minimum protocol
// version implementing the message.
type msgDesc struct {
	dir      MsgDirection
	numArgs  uint16
	respSz   uint16
	minProto uint32
}

// msgCatalog is the static classification of every supported message.
// HSMP_RESERVED is deliberately absent: it is not a valid identifier.
var msgCatalog = map[MsgID]msgDesc{
	HSMP_TEST:                       {DirGet, 1, 1, 1},
	HSMP_GET_SMU_VER:                {DirGet, 0, 1, 1},
	HSMP_GET_PROTO_VER:              {DirGet, 0, 1, 1},
	HSMP_GET_SOCKET_POWER:           {DirGet, 0, 1, 1},
	HSMP_SET_SOCKET_POWER_LIMIT:     {DirSet, 1, 0, 1},
	HSMP_GET_SOCKET_POWER_LIMIT:     {DirGet, 0, 1, 1},
	HSMP_GET_SOCKET_POWER_LIMIT_MAX: {DirGet, 0, 1, 1},
	HSMP_SET_BOOST_LIMIT:            {DirSet, 1, 0, 1},
	HSMP_SET_BOOST_LIMIT_SOCKET:     {DirSet, 1, 0, 1},
	HSMP_GET_BOOST_LIMIT:            {DirGet, 1, 1, 1},
	HSMP_GET_PROC_HOT:               {DirGet, 0, 1, 1},
	HSMP_SET_XGMI_LINK_WIDTH:        {DirSet, 1, 0, 2},
	HSMP_SET_DF_PSTATE:              {DirSet, 1, 0, 1},
	HSMP_AUTO_DF_PSTATE:             {DirSet, 0, 0, 1},
	HSMP_GET_FCLK_MCLK:              {DirGet, 0, 2, 1},
	HSMP_GET_CCLK_THROTTLE_LIMIT:    {DirGet, 0, 1, 1},
	HSMP_GET_C0_PERCENT:             {DirGet, 0, 1, 1},
	HSMP_SET_NBIO_DPM_LEVEL:         {DirSet, 1, 0, 2},
	HSMP_GET_DDR_BANDWIDTH:          {DirGet, 0, 1, 3},
	HSMP_GET_TEMP_MONITOR:           {DirGet, 0, 1, 4},
}

// MsgDirectionOf returns the catalog classification of id.
func MsgDirectionOf(id MsgID) (MsgDirection, error) {
	desc, ok := msgCatalog[id]
	if !ok {
		return DirGet, fmt.Errorf("message id %d: %w", id, ErrBadMessage)
	}
	return desc.dir, nil
}

// MsgMinProtoVer returns the minimum firmware protocol version that
// implements id, or 0 if id is unknown.
func MsgMinProtoVer(id MsgID) uint32 {
	return msgCatalog[id].minProto
}

// ValidateMessage checks the caller supplied identifier and word counts
// against the catalog. It performs no hardware access.
func ValidateMessage(m *Message) error {
	if m == nil {
		return fmt.Errorf("nil message: %w", ErrBadMessage)
	}
	if m.MsgID < HSMP_TEST || m.MsgID >= HSMP_MSG_ID_MAX {
		return fmt.Errorf("message id %d out of range: %w", m.MsgID, ErrBadMessage)
	}
	if _, ok := msgCatalog[m.MsgID]; !ok {
		return fmt.Errorf("message id %d is reserved: %w", m.MsgID, ErrBadMessage)
	}
	if m.NumArgs > HSMP_MAX_MSG_LEN {
		return fmt.Errorf("num_args %d exceeds %d: %w", m.NumArgs, HSMP_MAX_MSG_LEN, ErrBadMessage)
	}
	if m.ResponseSz > HSMP_MAX_MSG_LEN {
		return fmt.Errorf("response_sz %d exceeds %d: %w", m.ResponseSz, HSMP_MAX_MSG_LEN, ErrBadMessage)
	}
	return nil
}

// AccessMode mirrors the access scope of the caller submitting a
// message: a read-only caller may only issue telemetry messages, a
// write-only caller may only issue control messages.
type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessReadWrite = AccessRead | AccessWrite
)

// ValidateAccess rejects a message whose catalog direction is not
// permitted by mode. Called before any register access.
func ValidateAccess(m *Message, mode AccessMode) error {
	if err := ValidateMessage(m); err != nil {
		return err
	}
	dir := msgCatalog[m.MsgID].dir
	switch {
	case dir == DirGet && mode&AccessRead == 0:
		return fmt.Errorf("telemetry message id %d on a write-only path: %w", m.MsgID, ErrAccessMode)
	case dir == DirSet && mode&AccessWrite == 0:
		return fmt.Errorf("control message id %d on a read-only path: %w", m.MsgID, ErrAccessMode)
	}
	return nil
}
