// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package socks5srv

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestIPv4(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90} // port 8080
	req, err := readRequest(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, cmdConnect, req.Cmd)
	assert.Equal(t, "127.0.0.1", req.Host)
	assert.Equal(t, 8080, req.Port)
}

func TestReadRequestDomainName(t *testing.T) {
	domain := "example.com"
	buf := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	buf = append(buf, domain...)
	buf = append(buf, 0x00, 0x50) // port 80
	req, err := readRequest(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, domain, req.Host)
	assert.Equal(t, 80, req.Port)
}

func TestWriteReplyEncodesIPv4BoundAddress(t *testing.T) {
	var out bytes.Buffer
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1080}
	require.NoError(t, writeReply(&out, RepSuccess, addr))

	want := []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 5, 0x04, 0x38}
	assert.Equal(t, want, out.Bytes())
}

func TestWriteReplyFallsBackToUnspecifiedWhenAddrUnknown(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeReply(&out, RepGeneralServerFailure, nil))
	want := []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00}
	assert.Equal(t, want, out.Bytes())
}

func TestReadRequestRejectsUnsupportedAddressType(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x7F}
	_, err := readRequest(bytes.NewReader(buf))
	assert.Error(t, err)
}
