// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements the HSMP mailbox transport: one synchronous
// request/response exchange against socket firmware.
package hsmp

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Mailbox status vocabulary returned in the response register.
const (
	HSMP_STATUS_NOT_READY  = 0x00
	HSMP_STATUS_OK         = 0x01
	HSMP_ERR_INVALID_MSG   = 0xFE
	HSMP_ERR_INVALID_INPUT = 0xFF
)

// SMN offsets of the mailbox registers in the SMU address space. The
// message-id register moved on family 1Ah model 00h-0Fh parts; the
// response and argument registers are common to both layouts.
const (
	SMN_HSMP_BASE           = 0x3B00000
	SMN_HSMP_MSG_ID         = 0x0010534
	SMN_HSMP_MSG_ID_F1A_M0H = 0x0010934
	SMN_HSMP_MSG_RESP       = 0x0010980
	SMN_HSMP_MSG_DATA       = 0x00109E0
)

// Most operations complete within the firmware's 1 ms service cycle; a
// minority take much longer. Poll with short sleeps inside the first
// window, coarser sleeps afterwards, up to a fixed wall-clock budget.
const (
	HSMP_MSG_TIMEOUT = 100 * time.Millisecond
	HSMP_SHORT_SLEEP = 1 * time.Millisecond

	hsmpPollShort = 50 * time.Microsecond
	hsmpPollLong  = 1 * time.Millisecond
)

// mailboxInfo carries the socket scoped mailbox addressing.
type mailboxInfo struct {
	baseAddr   uint32
	msgIDOff   uint32
	msgRespOff uint32
	msgArgOff  uint32
}

// exchange runs one mailbox round trip on s. The caller must hold the
// socket lock; s.state is sockBusy for the duration.
//
// Once the message id is written the firmware executes the operation
// regardless of what the host does: a timeout here only stops waiting,
// it does not cancel execution. A timed out socket is marked hung and
// rejects further exchanges until the registry is reinitialized.
func (s *Socket) exchange(msg *Message) error {
	mb := &s.mbinfo

	// Clear any prior terminal status before triggering.
	if err := s.port.WriteReg(mb.baseAddr+mb.msgRespOff, HSMP_STATUS_NOT_READY); err != nil {
		return fmt.Errorf("socket %d: clearing mailbox status: %w", s.SockInd, err)
	}

	for i := uint16(0); i < msg.NumArgs; i++ {
		addr := mb.baseAddr + mb.msgArgOff + uint32(i)<<2
		if err := s.port.WriteReg(addr, msg.Args[i]); err != nil {
			return fmt.Errorf("socket %d: writing argument %d: %w", s.SockInd, i, err)
		}
	}

	// Writing the message id starts firmware execution.
	if err := s.port.WriteReg(mb.baseAddr+mb.msgIDOff, uint32(msg.MsgID)); err != nil {
		return fmt.Errorf("socket %d: writing message id %d: %w", s.SockInd, msg.MsgID, err)
	}

	shortSleep := time.Now().Add(HSMP_SHORT_SLEEP)
	deadline := time.Now().Add(HSMP_MSG_TIMEOUT)

	status := uint32(HSMP_STATUS_NOT_READY)
	for time.Now().Before(deadline) {
		var err error
		status, err = s.port.ReadReg(mb.baseAddr + mb.msgRespOff)
		if err != nil {
			return fmt.Errorf("socket %d: reading mailbox status: %w", s.SockInd, err)
		}
		if status != HSMP_STATUS_NOT_READY {
			break
		}
		if time.Now().Before(shortSleep) {
			time.Sleep(hsmpPollShort)
		} else {
			time.Sleep(hsmpPollLong)
		}
	}

	switch status {
	case HSMP_STATUS_NOT_READY:
		s.state = sockHung
		klog.V(DBG_LVL_BASIC).Infof("hsmp-mailbox.exchange: socket %d msg %d timed out, marking socket hung", s.SockInd, msg.MsgID)
		return fmt.Errorf("socket %d message id %d: %w", s.SockInd, msg.MsgID, ErrTimeout)
	case HSMP_STATUS_OK:
	case HSMP_ERR_INVALID_MSG:
		return fmt.Errorf("socket %d message id %d: %w", s.SockInd, msg.MsgID, ErrInvalidMsg)
	case HSMP_ERR_INVALID_INPUT:
		return fmt.Errorf("socket %d message id %d: %w", s.SockInd, msg.MsgID, ErrRequestFailed)
	default:
		return fmt.Errorf("socket %d message id %d status 0x%X: %w", s.SockInd, msg.MsgID, status, ErrUnknownStatus)
	}

	for i := uint16(0); i < msg.ResponseSz; i++ {
		addr := mb.baseAddr + mb.msgArgOff + uint32(i)<<2
		word, err := s.port.ReadReg(addr)
		if err != nil {
			return fmt.Errorf("socket %d: reading response %d for message id %d: %w", s.SockInd, i, msg.MsgID, err)
		}
		msg.Response[i] = word
	}

	klog.V(DBG_LVL_DETAIL).InfoS("hsmp-mailbox.exchange done", "socket", s.SockInd, "msg_id", msg.MsgID, "response", msg.Response[:msg.ResponseSz])
	return nil
}
