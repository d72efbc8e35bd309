// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

package hsmp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageBoundsCheckedBeforeHardware(t *testing.T) {
	port := newFakePort()
	registry := newTestRegistry(port)

	msg := Message{MsgID: HSMP_GET_SOCKET_POWER, NumArgs: 9}
	assert.ErrorIs(t, registry.SendMessage(&msg), ErrBadMessage)

	msg = Message{MsgID: HSMP_GET_SOCKET_POWER, ResponseSz: 9}
	assert.ErrorIs(t, registry.SendMessage(&msg), ErrBadMessage)

	msg = Message{MsgID: HSMP_MSG_ID_MAX}
	assert.ErrorIs(t, registry.SendMessage(&msg), ErrBadMessage)

	assert.Zero(t, port.accessCount())
}

func TestSendMessageUnknownSocket(t *testing.T) {
	registry := newTestRegistry(newFakePort())
	msg := Message{MsgID: HSMP_GET_SOCKET_POWER, ResponseSz: 1, SockInd: 3}
	assert.ErrorIs(t, registry.SendMessage(&msg), ErrNoSocket)
}

func TestProtoVersionGateBeforeHardware(t *testing.T) {
	port := newFakePort()
	registry := newTestRegistry(port)
	registry.sockets[0].protoVer = 2

	msg := Message{MsgID: HSMP_GET_TEMP_MONITOR, ResponseSz: 1}
	assert.ErrorIs(t, registry.SendMessage(&msg), ErrUnsupportedMsg)
	assert.Zero(t, port.accessCount())
}

func TestLockTimeoutDistinctFromExchangeTimeout(t *testing.T) {
	registry := newTestRegistry(echoPort())
	sock := registry.sockets[0]

	// Hold the socket lock so the send cannot serialize.
	sock.sem <- struct{}{}
	defer func() { <-sock.sem }()

	msg := Message{MsgID: HSMP_TEST, NumArgs: 1, ResponseSz: 1}
	err := registry.SendMessage(&msg)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestReinitClearsHungSocket(t *testing.T) {
	port := echoPort()
	registry := newTestRegistry(port)
	sock := registry.sockets[0]
	sock.state = sockHung

	msg := Message{MsgID: HSMP_TEST, NumArgs: 1, ResponseSz: 1}
	require.ErrorIs(t, registry.SendMessage(&msg), ErrTimeout)

	require.NoError(t, registry.Reinit())
	assert.NoError(t, registry.SendMessage(&msg))
}

func TestSubmitEnforcesAccessMode(t *testing.T) {
	port := newFakePort()
	registry := newTestRegistry(port)

	get := Message{MsgID: HSMP_GET_SOCKET_POWER, ResponseSz: 1}
	set := Message{MsgID: HSMP_SET_SOCKET_POWER_LIMIT, NumArgs: 1}

	assert.ErrorIs(t, registry.Submit(&get, AccessWrite), ErrAccessMode)
	assert.ErrorIs(t, registry.Submit(&set, AccessRead), ErrAccessMode)
	assert.Zero(t, port.accessCount())

	assert.NoError(t, registry.Submit(&get, AccessRead))
	assert.NoError(t, registry.Submit(&set, AccessReadWrite))
}

func TestCpuFamilyModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	content := "processor\t: 0\nvendor_id\t: AuthenticAMD\ncpu family\t: 26\nmodel\t\t: 2\nmodel name\t: AMD EPYC\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	orig := cpuInfoPath
	cpuInfoPath = path
	defer func() { cpuInfoPath = orig }()

	family, model, err := cpuFamilyModel()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1A), family)
	assert.Equal(t, uint64(2), model)
	assert.True(t, isF1aM0h())
}
