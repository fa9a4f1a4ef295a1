// Package link drives the USB-to-I2C bridge of the instrument over its CDC
// serial port. It owns the serial connection, turns logical requests (write N
// bytes, expect M bytes back) into blocking round trips on a single worker
// goroutine, and builds the bridge command frames for addressed I2C access.
package link

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const (
	// linkBaud is the fixed rate of the bridge's CDC port: 19200 8N1.
	linkBaud = 19200

	// transferTimeout bounds the complete response accumulation of one
	// transfer.
	transferTimeout = 50 * time.Millisecond

	// defaultMonitorInterval is how often the worker polls temperature and
	// lock status while no transfer is in flight.
	defaultMonitorInterval = 2 * time.Second
)

// Device is the connection handle for the bridge. At most one instance is
// live per physical adapter; all access to the serial link is serialized
// through its worker goroutine.
type Device struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader

	mu        sync.Mutex
	connected bool
	done      chan struct{}

	bytes chan byte
	req   chan xferReq

	pending int32 // one transaction outstanding at a time

	monitorPause int32
	monitorEvery time.Duration
	monitor      func(*Device)

	statMu sync.Mutex
	temp   byte
	locked bool
	statOK bool
}

type xferReq struct {
	out     []byte
	respLen int
	res     chan xferRes
}

type xferRes struct {
	body []byte
	err  error
}

// NewDevice returns an unconnected Device.
func NewDevice() *Device {
	return &Device{monitorEvery: defaultMonitorInterval}
}

// SetMonitorInterval overrides the idle poll interval. It only takes effect
// when called before Connect.
func (d *Device) SetMonitorInterval(every time.Duration) {
	if every > 0 {
		d.monitorEvery = every
	}
}

// Connect attaches to the bridge via a serial device path or a
// tcp://host:port socket (the latter is what the tests and remote bridge
// multiplexers use).
func (d *Device) Connect(target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("link: already connected")
	}

	u, err := url.Parse(target)
	if err != nil {
		return err
	}

	if u.Scheme == "socket" || u.Scheme == "tcp" {
		conn, err := net.Dial("tcp", u.Host)
		if err != nil {
			return err
		}
		conn.(*net.TCPConn).SetKeepAlive(true)
		conn.(*net.TCPConn).SetKeepAlivePeriod(30 * time.Second)
		d.conn = conn
	} else if u.Scheme == "file" || u.Scheme == "" {
		c := &serial.Config{Name: u.Path, Baud: linkBaud, Size: 8,
			Parity: serial.ParityNone, StopBits: serial.Stop1}
		d.conn, err = serial.OpenPort(c)
		if err != nil {
			return err
		}
	} else {
		return fmt.Errorf("link: can not find a valid connection string in %q", target)
	}

	d.start()
	return nil
}

// ConnectOn attaches to an already-open byte stream. Used by tests and by
// simulated instruments.
func (d *Device) ConnectOn(conn io.ReadWriteCloser) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("link: already connected")
	}
	d.conn = conn
	d.start()
	return nil
}

func (d *Device) start() {
	d.r = bufio.NewReader(d.conn)
	d.connected = true
	d.done = make(chan struct{})
	d.bytes = make(chan byte, 512)
	d.req = make(chan xferReq)

	go d.readLoop()
	go d.worker()
}

// Close closes the underlying connection and stops the worker.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	d.connected = false
	close(d.done)
	return d.conn.Close()
}

// IsOpen reports whether a connection is currently open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// readLoop pumps incoming bytes into the byte channel consumed by the
// worker. It exits when the connection is closed.
func (d *Device) readLoop() {
	b := make([]byte, 256)
	for {
		n, err := d.conn.Read(b)
		if n > 0 {
			for i := 0; i < n; i++ {
				select {
				case d.bytes <- b[i]:
				case <-d.done:
					return
				}
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				log.Errorf("link: read: %v", err)
			}
			return
		}
	}
}

// worker owns the serial link. It drains one transfer request at a time and
// runs the periodic monitor tick in between.
func (d *Device) worker() {
	tick := time.NewTicker(d.monitorEvery)
	defer tick.Stop()

	for {
		select {
		case <-d.done:
			log.Debug("link: worker exiting")
			return
		case r := <-d.req:
			body, err := d.doTransfer(r.out, r.respLen)
			r.res <- xferRes{body, err}
		case <-tick.C:
			d.mu.Lock()
			monitor := d.monitor
			d.mu.Unlock()
			if atomic.LoadInt32(&d.monitorPause) == 0 && monitor != nil {
				monitor(d)
			}
		}
	}
}

// Transfer writes cmd and accumulates incoming bytes until exactly respLen
// have arrived or the link timeout elapses. It is the single transport
// primitive; every bridge operation is one Transfer round trip. The call
// blocks until the worker has completed it.
func (d *Device) Transfer(cmd []byte, respLen int) ([]byte, error) {
	if !d.IsOpen() {
		return nil, ErrNotConnected
	}
	if !atomic.CompareAndSwapInt32(&d.pending, 0, 1) {
		return nil, ErrPending
	}
	defer atomic.StoreInt32(&d.pending, 0)

	r := xferReq{out: cmd, respLen: respLen, res: make(chan xferRes, 1)}
	select {
	case d.req <- r:
	case <-d.done:
		return nil, ErrNotConnected
	}

	select {
	case res := <-r.res:
		return res.body, res.err
	case <-d.done:
		return nil, ErrNotConnected
	}
}

// doTransfer runs on the worker goroutine only.
func (d *Device) doTransfer(out []byte, respLen int) ([]byte, error) {
	d.drainStale()

	if _, err := d.conn.Write(out); err != nil {
		return nil, fmt.Errorf("link: write: %v (%w)", err, ErrNotConnected)
	}
	log.Debugf("link: sent '%# x', expecting %v bytes", out, respLen)

	deadline := time.NewTimer(transferTimeout)
	defer deadline.Stop()

	var body []byte
	for len(body) < respLen {
		select {
		case b, ok := <-d.bytes:
			if !ok {
				return nil, ErrNotConnected
			}
			body = append(body, b)
		case <-deadline.C:
			return nil, fmt.Errorf("link: received %v of %v bytes: %w",
				len(body), respLen, ErrTimeout)
		case <-d.done:
			return nil, ErrNotConnected
		}
	}
	log.Debugf("link: received '%# x'", body)
	return body, nil
}

// drainStale drops bytes left over from a previous transfer. The response
// buffer never exceeds the expected length; anything beyond it ends up here.
func (d *Device) drainStale() {
	n := 0
	for {
		select {
		case <-d.bytes:
			n++
		default:
			if n > 0 {
				log.Warnf("link: dropped %v overflow bytes", n)
			}
			return
		}
	}
}

// Flush discards any pending input on the link. Part of the NACK recovery
// sequence.
func (d *Device) Flush() error {
	if !d.IsOpen() {
		return ErrNotConnected
	}
	d.drainStale()
	return nil
}

// SetMonitor installs the periodic status poll executed by the worker while
// the link is idle. The callback runs on the worker goroutine; build it with
// MonitorPoll.
func (d *Device) SetMonitor(fn func(*Device)) {
	d.mu.Lock()
	d.monitor = fn
	d.mu.Unlock()
}

// PauseMonitor suspends the periodic poll. Calls nest; each PauseMonitor
// needs a matching ResumeMonitor. An acquisition in progress must never be
// interleaved with a monitor poll.
func (d *Device) PauseMonitor() { atomic.AddInt32(&d.monitorPause, 1) }

// ResumeMonitor re-enables the periodic poll.
func (d *Device) ResumeMonitor() { atomic.AddInt32(&d.monitorPause, -1) }

// monitorTransfer is the transfer path for the monitor callback. It already
// runs on the worker, so it bypasses the request channel.
func (d *Device) monitorTransfer(cmd []byte, respLen int) ([]byte, error) {
	if !atomic.CompareAndSwapInt32(&d.pending, 0, 1) {
		return nil, ErrPending
	}
	defer atomic.StoreInt32(&d.pending, 0)
	return d.doTransfer(cmd, respLen)
}

// setStatus records the latest monitor readings.
func (d *Device) setStatus(temp byte, locked bool) {
	d.statMu.Lock()
	d.temp, d.locked, d.statOK = temp, locked, true
	d.statMu.Unlock()
}

// Status returns the last temperature and lock readings from the periodic
// poll. ok is false until the first poll has completed.
func (d *Device) Status() (temp byte, locked bool, ok bool) {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	return d.temp, d.locked, d.statOK
}
