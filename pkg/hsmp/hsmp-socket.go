// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file implements the socket registry and the per-socket
// serialization discipline around the mailbox transport.
package hsmp

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const (
	DBG_LVL_DEFAUILT    = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// Architectural maximum number of sockets the registry can hold.
const MAX_SOCKETS = 8

// Loopback pattern used by the interface self test.
const HSMP_TEST_PATTERN = 0xDEADBEEF

// Path to the cpuinfo used for the hardware generation check.
// Overridable for tests.
var cpuInfoPath = "/proc/cpuinfo"

// sockState : lifecycle of one socket's mailbox. Guarded by the same
// lock that serializes exchanges, so the hung check cannot race an
// acquisition.
type sockState int

const (
	sockAvailable sockState = iota
	sockBusy
	sockHung
)

// Socket represents one management-firmware mailbox endpoint.
type Socket struct {
	SockInd uint16 `json:"sock_ind"`
	Bdf     BDF    `json:"BDF"`

	port   RegPort
	mbinfo mailboxInfo

	// sem bounds the mailbox to one in-flight exchange. The protocol has
	// no request tagging, so interleaving two exchanges would corrupt the
	// argument/response association.
	sem   chan struct{}
	state sockState

	// Cached once at registry init, immutable afterwards.
	protoVer uint32
	smuVer   uint32
}

// acquire takes the socket lock within timeout and transitions the
// state to busy. A hung socket fails fast without touching hardware.
func (s *Socket) acquire(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.sem <- struct{}{}:
	case <-t.C:
		return fmt.Errorf("socket %d: %w", s.SockInd, ErrLockTimeout)
	}
	if s.state == sockHung {
		<-s.sem
		return fmt.Errorf("socket %d: %w", s.SockInd, ErrSocketHung)
	}
	s.state = sockBusy
	return nil
}

func (s *Socket) release() {
	// A timed out exchange leaves the state at hung; keep it sticky.
	if s.state == sockBusy {
		s.state = sockAvailable
	}
	<-s.sem
}

// ProtoVer returns the protocol version the socket firmware reported at
// registry initialization.
func (s *Socket) ProtoVer() uint32 { return s.protoVer }

// SmuVer returns the raw SMU firmware version word cached at registry
// initialization.
func (s *Socket) SmuVer() uint32 { return s.smuVer }

// Registry is the explicitly owned table of sockets. It is built once
// from topology discovery, used for the process lifetime, and never
// published in a partial state.
type Registry struct {
	sockets []*Socket
	topo    *Topology
}

// NewRegistry discovers the platform topology, builds one socket per
// discovered socket and verifies the mailbox interface on each of them.
// Any failure is fatal: no partially initialized registry is returned.
func NewRegistry() (*Registry, error) {
	topo, err := DiscoverTopology()
	if err != nil {
		return nil, err
	}
	return newRegistry(topo)
}

func newRegistry(topo *Topology) (*Registry, error) {
	if topo.NumSockets == 0 || topo.NumSockets > MAX_SOCKETS {
		return nil, fmt.Errorf("socket count %d out of range: %w", topo.NumSockets, ErrTopology)
	}

	msgIDOff := uint32(SMN_HSMP_MSG_ID)
	if isF1aM0h() {
		msgIDOff = SMN_HSMP_MSG_ID_F1A_M0H
	}

	r := &Registry{topo: topo}
	for i := uint16(0); i < topo.NumSockets; i++ {
		tile := topo.SocketAnchor(i)
		sock := &Socket{
			SockInd: i,
			Bdf:     tile.Bdf,
			port:    topo.socketPorts[i],
			mbinfo: mailboxInfo{
				baseAddr:   SMN_HSMP_BASE,
				msgIDOff:   msgIDOff,
				msgRespOff: SMN_HSMP_MSG_RESP,
				msgArgOff:  SMN_HSMP_MSG_DATA,
			},
			sem: make(chan struct{}, 1),
		}
		if err := sock.selfTest(); err != nil {
			return nil, fmt.Errorf("socket %d interface test failed (is HSMP disabled in BIOS?): %w", i, err)
		}
		if err := sock.cacheVersions(); err != nil {
			return nil, fmt.Errorf("socket %d: reading firmware versions: %w", i, err)
		}
		klog.V(DBG_LVL_BASIC).Infof("hsmp-socket: socket %d at %s ready, proto version %d", i, sock.Bdf, sock.protoVer)
		r.sockets = append(r.sockets, sock)
	}
	return r, nil
}

// NumSockets returns the number of sockets in the registry.
func (r *Registry) NumSockets() uint16 {
	return uint16(len(r.sockets))
}

// Socket returns the socket at index.
func (r *Registry) Socket(index uint16) (*Socket, error) {
	if int(index) >= len(r.sockets) {
		return nil, fmt.Errorf("socket index %d of %d: %w", index, len(r.sockets), ErrNoSocket)
	}
	return r.sockets[index], nil
}

// Topology returns the immutable topology the registry was built from.
// Safe for concurrent readers.
func (r *Registry) Topology() *Topology { return r.topo }

// SendMessage validates msg, serializes access to the target socket and
// runs the exchange. The lock is released on every exit path. Nothing
// here retries: retry policy belongs to the caller.
func (r *Registry) SendMessage(msg *Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	sock, err := r.Socket(msg.SockInd)
	if err != nil {
		return err
	}
	if min := MsgMinProtoVer(msg.MsgID); sock.protoVer != 0 && min > sock.protoVer {
		return fmt.Errorf("message id %d needs protocol version %d, socket %d reports %d: %w",
			msg.MsgID, min, msg.SockInd, sock.protoVer, ErrUnsupportedMsg)
	}

	// Bound the wait for the previous exchange with the same budget the
	// exchange itself gets.
	if err := sock.acquire(HSMP_MSG_TIMEOUT); err != nil {
		return err
	}
	defer sock.release()

	return sock.exchange(msg)
}

// Submit is the permission-scoped entry point used by control-surface
// adapters: the message direction is checked against mode before the
// core is invoked.
func (r *Registry) Submit(msg *Message, mode AccessMode) error {
	if err := ValidateAccess(msg, mode); err != nil {
		return err
	}
	return r.SendMessage(msg)
}

// Reinit clears the hung state of every socket and re-runs the
// interface test. This is the only way back for a hung socket; there is
// no automatic recovery path.
func (r *Registry) Reinit() error {
	for _, sock := range r.sockets {
		// Take the lock directly: acquire would fail fast on the hung
		// state this is here to clear.
		t := time.NewTimer(HSMP_MSG_TIMEOUT)
		select {
		case sock.sem <- struct{}{}:
			t.Stop()
		case <-t.C:
			return fmt.Errorf("socket %d: %w", sock.SockInd, ErrLockTimeout)
		}
		sock.state = sockAvailable
		err := sock.selfTest()
		if err != nil {
			sock.state = sockHung
		}
		<-sock.sem
		if err != nil {
			return err
		}
	}
	return nil
}

// selfTest issues the loopback message: the firmware must echo the
// argument incremented by one. Any other echo is a protocol
// conformance failure. Called with the socket not yet published, or
// with the lock held during reinit.
func (s *Socket) selfTest() error {
	msg := Message{
		MsgID:      HSMP_TEST,
		NumArgs:    1,
		ResponseSz: 1,
		SockInd:    s.SockInd,
	}
	msg.Args[0] = HSMP_TEST_PATTERN

	if err := s.exchange(&msg); err != nil {
		return err
	}
	if msg.Response[0] != msg.Args[0]+1 {
		return fmt.Errorf("socket %d test message expected 0x%08X, received 0x%08X: %w",
			s.SockInd, msg.Args[0]+1, msg.Response[0], ErrRequestFailed)
	}
	return nil
}

// cacheVersions reads the protocol and SMU firmware versions once so
// later sends can be gated without hardware access.
func (s *Socket) cacheVersions() error {
	msg := Message{MsgID: HSMP_GET_PROTO_VER, ResponseSz: 1, SockInd: s.SockInd}
	if err := s.exchange(&msg); err != nil {
		return err
	}
	s.protoVer = msg.Response[0]

	msg = Message{MsgID: HSMP_GET_SMU_VER, ResponseSz: 1, SockInd: s.SockInd}
	if err := s.exchange(&msg); err != nil {
		return err
	}
	s.smuVer = msg.Response[0]
	return nil
}

// isF1aM0h reports whether the host CPU is a family 1Ah model 00h-0Fh
// part, which moved the mailbox message-id register.
func isF1aM0h() bool {
	family, model, err := cpuFamilyModel()
	if err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hsmp-socket.isF1aM0h: %v, assuming legacy register layout", err)
		return false
	}
	return family == 0x1A && model <= 0x0F
}

func cpuFamilyModel() (uint64, uint64, error) {
	readFile, err := os.Open(cpuInfoPath)
	if err != nil {
		return 0, 0, err
	}
	defer readFile.Close()

	var family, model uint64
	haveFamily, haveModel := false, false
	fileScanner := bufio.NewScanner(readFile)
	fileScanner.Split(bufio.ScanLines)
	for fileScanner.Scan() {
		key, val, cut := strings.Cut(fileScanner.Text(), ":")
		if !cut {
			continue
		}
		switch strings.TrimSpace(key) {
		case "cpu family":
			family, err = strconv.ParseUint(strings.TrimSpace(val), 10, 32)
			haveFamily = err == nil
		case "model":
			model, err = strconv.ParseUint(strings.TrimSpace(val), 10, 32)
			haveModel = err == nil
		}
		if haveFamily && haveModel {
			return family, model, nil
		}
	}
	return 0, 0, fmt.Errorf("cpu family/model not found in %s", cpuInfoPath)
}
