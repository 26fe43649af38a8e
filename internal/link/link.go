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
Package link provides the two-socket UDP transport every node runs: one
egress socket carrying application frames to the local PHY, one ingress
socket receiving PHY-prepended frames back. The PHY is authoritative for
broadcast fan-out, so the link never tracks a peer address list of its
own — it only ever reads from and writes to its own local PHY ports.

The ingress reader drains into a bounded queue (capacity 1024). A slow
consumer does not block the reader: on overflow the oldest entry is
dropped and a counter is incremented. This is the only lossy step on the
receive path beyond whatever the physical channel itself drops.
*/
package link

import (
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"consensusrig/internal/logging"
	"consensusrig/internal/protocol"
	"consensusrig/internal/wcerrors"
	"golang.org/x/sys/unix"
)

// QueueCapacity is the bounded size of the ingress queue.
const QueueCapacity = 1024

// readDeadline bounds each ingress socket read so the receiver can
// notice a shutdown request promptly instead of blocking forever.
const readDeadline = 50 * time.Millisecond

// Received is one decoded inbound frame paired with the SNR the PHY
// reported for it.
type Received struct {
	Frame  protocol.Frame
	SNRDb  float64
	HasSNR bool
}

// Link owns the egress and ingress UDP sockets for one node.
type Link struct {
	log *logging.Logger

	egress  *net.UDPConn
	ingress *net.UDPConn

	mu       sync.Mutex
	queue    []Received
	dropped  atomic.Uint64
	received atomic.Uint64

	notify chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Dial binds the ingress socket on rxPort and resolves the egress
// destination to txPort, both on localhost. Bind failure is fatal at
// startup, per spec §7.
func Dial(txPort, rxPort int) (*Link, error) {
	ingressAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: rxPort}
	lc := net.ListenConfig{Control: tuneSocketBuffers}
	ingressConn, err := lc.ListenPacket(nil, "udp", ingressAddr.String())
	if err != nil {
		return nil, wcerrors.Transport("failed to bind ingress socket", err)
	}
	ingress := ingressConn.(*net.UDPConn)

	egressAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: txPort}
	egress, err := net.DialUDP("udp", nil, egressAddr)
	if err != nil {
		ingress.Close()
		return nil, wcerrors.Transport("failed to resolve egress socket", err)
	}

	l := &Link{
		log:     logging.NewLogger("link"),
		egress:  egress,
		ingress: ingress,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.receiveLoop()
	return l, nil
}

// tuneSocketBuffers widens the kernel socket buffers on the ingress
// socket so a burst of frames during an experiment cell transition
// doesn't overflow the kernel queue before this package's own bounded
// queue gets a chance to apply its drop policy.
func tuneSocketBuffers(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Send encodes and writes a frame to the egress socket.
func (l *Link) Send(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if _, err := l.egress.Write(raw); err != nil {
		return wcerrors.Transport("egress send failed", err)
	}
	return nil
}

func (l *Link) receiveLoop() {
	defer l.wg.Done()
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.ingress.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := l.ingress.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		frame, err := protocol.Decode(raw)
		if err != nil {
			l.log.Debug("dropping undecodable frame", "err", err)
			continue
		}

		rec := Received{Frame: frame}
		if frame.Metadata.SNRDb != nil {
			rec.SNRDb = *frame.Metadata.SNRDb
			rec.HasSNR = true
		}
		l.received.Add(1)
		l.push(rec)
	}
}

func (l *Link) push(r Received) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) >= QueueCapacity {
		l.queue = l.queue[1:]
		l.dropped.Add(1)
	}
	l.queue = append(l.queue, r)

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// TryRecv returns the oldest queued frame, if any, without blocking.
func (l *Link) TryRecv() (Received, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Received{}, false
	}
	r := l.queue[0]
	l.queue = l.queue[1:]
	return r, true
}

// Notify returns a channel that receives a value whenever a new frame
// is enqueued, for callers that want to wait with a deadline instead of
// polling.
func (l *Link) Notify() <-chan struct{} {
	return l.notify
}

// DroppedCount returns the number of frames dropped by queue overflow.
func (l *Link) DroppedCount() uint64 {
	return l.dropped.Load()
}

// ReceivedCount returns the total number of frames successfully decoded.
func (l *Link) ReceivedCount() uint64 {
	return l.received.Load()
}

// Close signals the receive loop to stop and closes both sockets.
func (l *Link) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	l.egress.Close()
	return l.ingress.Close()
}
