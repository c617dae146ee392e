// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/scsi2pi-go/s2p/pkg/logging"
)

// DefaultPort is the management TCP port used when none is configured.
const DefaultPort = 6868

const wireMagic = "RASCSI"

// Server accepts one connection at a time worth of length-prefixed
// PbCommand/PbResult records, synchronously dispatching each.
type Server struct {
	dispatcher *Dispatcher
	log        *logging.Logger
}

// NewServer wires a server around an already-constructed dispatcher.
func NewServer(d *Dispatcher) *Server {
	return &Server{dispatcher: d, log: logging.New()}
}

// ListenAndServe binds addr (typically ":6868") and serves connections
// until the listener is closed or ctx-like cancellation is implemented by
// the caller closing it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("management: listen %s: %w", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("management: accept: %w", err)
		}
		s.serveConn(conn)
	}
}

// serveConn reads one "RASCSI" magic handshake, then loops reading and
// dispatching length-prefixed records until the peer closes the connection
// or a framing error occurs.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	magic := make([]byte, len(wireMagic))
	if _, err := io.ReadFull(conn, magic); err != nil {
		s.log.Errorf("management: read magic: %v", err)
		return
	}
	if string(magic) != wireMagic {
		s.log.Errorf("management: bad magic %q from %s", magic, conn.RemoteAddr())
		return
	}

	for {
		cmd, err := readCommand(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Errorf("management: read command: %v", err)
			}
			return
		}

		result := s.dispatcher.Dispatch(cmd)

		if err := writeResult(conn, result); err != nil {
			s.log.Errorf("management: write result: %v", err)
			return
		}
	}
}

func readCommand(r io.Reader) (*PbCommand, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	const maxRecordSize = 1 << 24
	if length > maxRecordSize {
		return nil, fmt.Errorf("management: record of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return UnmarshalCommand(payload)
}

func writeResult(w io.Writer, r *PbResult) error {
	payload := MarshalResult(r)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// SendCommand is the client-side counterpart used by cmd/s2pctl: writes the
// magic handshake only if first is true (it is only ever sent once per
// connection), then one length-prefixed PbCommand, and reads back one
// length-prefixed PbResult.
func SendCommand(conn net.Conn, cmd *PbCommand, first bool) (*PbResult, error) {
	if first {
		if _, err := conn.Write([]byte(wireMagic)); err != nil {
			return nil, err
		}
	}
	payload := MarshalCommand(cmd)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	var respLen [4]byte
	if _, err := io.ReadFull(conn, respLen[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(respLen[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return UnmarshalResult(buf)
}
