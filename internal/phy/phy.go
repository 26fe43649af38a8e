/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package phy is a thin client for the local PHY control endpoint: a
line-delimited JSON request/response protocol over loopback UDP with
four verbs (ping, set_tx_gain, set_rx_gain, get_gains). The PHY process
itself is an external collaborator, never part of this module.
*/
package phy

import (
	"encoding/json"
	"net"
	"time"

	"consensusrig/internal/wcerrors"
)

const requestTimeout = 500 * time.Millisecond

// Client talks to one node's local PHY control endpoint.
type Client struct {
	conn *net.UDPConn
}

// Dial opens the UDP socket used for control-endpoint requests. The PHY
// listens on localhost at ctrlPort.
func Dial(ctrlPort int) (*Client, error) {
	raddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: ctrlPort}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, wcerrors.Control("dial phy control endpoint", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the control socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

type request struct {
	Cmd   string  `json:"cmd"`
	Value float64 `json:"value,omitempty"`
}

type pingReply struct {
	Reply string `json:"reply"`
}

type okReply struct {
	OK bool `json:"ok"`
}

type gainsReply struct {
	TX float64 `json:"tx"`
	RX float64 `json:"rx"`
}

func (c *Client) roundTrip(req request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return wcerrors.Control("encode control request", err)
	}
	body = append(body, '\n')

	if err := c.conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return wcerrors.Control("set control socket deadline", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return wcerrors.Control("send control request", err)
	}

	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return wcerrors.Control("read control response", err)
	}
	if err := json.Unmarshal(trimNewline(buf[:n]), out); err != nil {
		return wcerrors.Control("decode control response", err)
	}
	return nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

// Ping is the readiness probe used during bring-up.
func (c *Client) Ping() error {
	var reply pingReply
	if err := c.roundTrip(request{Cmd: "ping"}, &reply); err != nil {
		return err
	}
	if reply.Reply != "pong" {
		return wcerrors.Control("unexpected ping reply", nil)
	}
	return nil
}

// SetTxGain sets the normalized transmit gain in [0,1].
func (c *Client) SetTxGain(value float64) error {
	return c.expectOK(request{Cmd: "set_tx_gain", Value: value})
}

// SetRxGain sets the normalized receive gain in [0,1].
func (c *Client) SetRxGain(value float64) error {
	return c.expectOK(request{Cmd: "set_rx_gain", Value: value})
}

func (c *Client) expectOK(req request) error {
	var reply okReply
	if err := c.roundTrip(req, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return wcerrors.Control("control command not acknowledged", nil)
	}
	return nil
}

// Gains reads the current transmit and receive gain.
func (c *Client) Gains() (tx, rx float64, err error) {
	var reply gainsReply
	if err := c.roundTrip(request{Cmd: "get_gains"}, &reply); err != nil {
		return 0, 0, err
	}
	return reply.TX, reply.RX, nil
}
