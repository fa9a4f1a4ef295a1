// Package instrument ties the link, macro and scan layers into one connected
// instrument session. A Session owns the adapter connection, the macro
// version table and the accumulation state of the current scan; everything
// is constructed at connect time and torn down at close, so tests can run
// several simulated instruments side by side.
package instrument

import (
	"context"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"bertd/config"
	"bertd/link"
	"bertd/macro"
	"bertd/profile"
	"bertd/scan"
)

// Session is one live connection to an instrument.
type Session struct {
	cfg *config.Config

	dev    *link.Device
	framer *link.Framer
	ident  link.Identity

	Macro *macro.Engine
	Regs  *macro.Regs

	// ExtVersion is the firmware extension version reported by the
	// version-probe macro; zero when no extension is loaded.
	ExtVersion uint16

	scanMu sync.Mutex // guards cancel
	runMu  sync.Mutex // serializes acquisitions
	engine *scan.Engine
	cancel context.CancelFunc
}

// Connect opens the adapter, verifies its identity, probes the firmware
// extension and applies the configured register profile.
func Connect(cfg *config.Config) (*Session, error) {
	d := link.NewDevice()
	d.SetMonitorInterval(cfg.MonitorInterval())
	if err := d.Connect(cfg.Port); err != nil {
		return nil, err
	}
	return setup(cfg, d)
}

// ConnectOn builds a session on an already-open byte stream. Used by tests
// with simulated adapters.
func ConnectOn(cfg *config.Config, conn io.ReadWriteCloser) (*Session, error) {
	d := link.NewDevice()
	d.SetMonitorInterval(cfg.MonitorInterval())
	if err := d.ConnectOn(conn); err != nil {
		return nil, err
	}
	return setup(cfg, d)
}

func setup(cfg *config.Config, d *link.Device) (*Session, error) {
	f := link.NewFramer(d)

	ident, err := f.Identify()
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := f.Configure(); err != nil {
		d.Close()
		return nil, err
	}

	base := link.DevAddr(cfg.Device.Addr)
	s := &Session{
		cfg:    cfg,
		dev:    d,
		framer: f,
		ident:  ident,
		Macro:  macro.NewEngine(f, base),
		Regs:   macro.NewRegs(f, base),
	}
	if cfg.Macro.TimeoutMs > 0 {
		s.Macro.Timeout = cfg.MacroTimeout()
	}
	s.engine = scan.NewEngine(&scan.DeviceBackend{
		Macro: s.Macro, Framer: f, Dev: base,
	})

	// A failed probe just means the extension is not loaded; the session
	// still comes up, without scan support.
	if v, err := s.Macro.QueryVersion(context.Background()); err != nil {
		log.Infof("instrument: no firmware extension loaded: %v", err)
	} else {
		s.ExtVersion = v
		log.Infof("instrument: firmware extension v%d.%d", v>>8, v&0xFF)
	}

	if cfg.Profile != "" {
		if err := s.applyProfile(cfg.Profile); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.SetMonitor(link.MonitorPoll(base, cfg.Monitor.TempReg, cfg.Monitor.LockReg))

	log.Infof("instrument: connected, adapter module 0x%02x fw %d.%d",
		ident.Module, ident.FwMajor, ident.FwMinor)
	return s, nil
}

func (s *Session) applyProfile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := profile.Parse(f)
	if err != nil {
		return err
	}
	return p.Apply(s.Regs)
}

// Close tears the session down.
func (s *Session) Close() error {
	s.CancelScan()
	return s.dev.Close()
}

// Identity returns the adapter identification triple.
func (s *Session) Identity() link.Identity { return s.ident }

// Status returns the latest monitor readings.
func (s *Session) Status() (temp byte, locked bool, ok bool) {
	return s.dev.Status()
}

// Framer exposes addressed I2C access for peripheral drivers.
func (s *Session) Framer() *link.Framer { return s.framer }

// Scan runs one acquisition pass. The monitor poll is suspended for the
// duration so it can not interleave with the sweep sequence. Repeat calls
// with the same configuration accumulate; cancellation via CancelScan
// returns link.ErrCancelled.
func (s *Session) Scan(ctx context.Context, cfg scan.Config, progress func(done, total int)) (*scan.Surface, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.scanMu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.engine.Progress = progress
	s.scanMu.Unlock()

	s.dev.PauseMonitor()
	defer s.dev.ResumeMonitor()
	defer cancel()

	return s.engine.Acquire(ctx, cfg)
}

// CancelScan requests cooperative cancellation of a running acquisition.
// The scan observes it between sweeps; there is no hard abort of an
// in-flight hardware sweep.
func (s *Session) CancelScan() {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// ResetScan discards the current scan session's accumulation.
func (s *Session) ResetScan() {
	s.engine.Reset()
}

// LoadHex streams a firmware extension image into device memory and
// re-probes the extension version afterwards.
func (s *Session) LoadHex(r io.Reader) (int, error) {
	n, err := macro.LoadHex(r, s.framer, link.DevAddr(s.cfg.Device.Addr),
		func(written, total int) {
			log.Infof("instrument: load %v%%", written*100/total)
		})
	if err != nil {
		return n, err
	}
	if v, verr := s.Macro.QueryVersion(context.Background()); verr == nil {
		s.ExtVersion = v
	}
	return n, nil
}
