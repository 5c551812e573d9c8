// Package indicator drives single binary output: LED on GPIO line or in-memory flag.
package indicator

import (
	"sync/atomic"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/telenode/internal/types"
)

// Subset of gpio.Lineser used here.
type lines interface {
	SetFunc(line uint32) gpio.LineSetFunc
	Flush() error
	Close() error
}

type GPIO struct {
	chip      interface{ Close() error }
	lines     lines
	set       gpio.LineSetFunc
	activeLow bool
	state     uint32
}

var _ types.Indicator = &GPIO{} // compile-time interface test

// OpenGPIO requests line of chip (e.g. "/dev/gpiochip0") as output, initially off.
func OpenGPIO(chipName string, line uint32, activeLow bool) (*GPIO, error) {
	chip, err := gpio.Open(chipName, "telenode")
	if err != nil {
		return nil, errors.Annotatef(err, "indicator open chip=%s", chipName)
	}
	ls, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "telenode-indicator", line)
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "indicator open chip=%s line=%d", chipName, line)
	}
	self, err := newGPIO(ls, line, activeLow)
	if err != nil {
		_ = ls.Close()
		_ = chip.Close()
		return nil, err
	}
	self.chip = chip
	return self, nil
}

func newGPIO(ls lines, line uint32, activeLow bool) (*GPIO, error) {
	self := &GPIO{
		lines:     ls,
		set:       ls.SetFunc(line),
		activeLow: activeLow,
	}
	if err := self.Set(false); err != nil {
		return nil, err
	}
	return self, nil
}

func (self *GPIO) Set(on bool) error {
	var v byte
	if on != self.activeLow {
		v = 1
	}
	self.set(v)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotatef(err, "indicator set=%t", on)
	}
	atomic.StoreUint32(&self.state, boolU32(on))
	return nil
}

func (self *GPIO) Get() bool { return atomic.LoadUint32(&self.state) != 0 }

func (self *GPIO) Close() error {
	var errs [2]error
	errs[0] = self.lines.Close()
	if self.chip != nil {
		errs[1] = self.chip.Close()
	}
	if errs[0] != nil {
		return errs[0]
	}
	return errs[1]
}

// Memory is indicator without hardware, used on desktop and in tests.
type Memory struct{ state uint32 }

var _ types.Indicator = &Memory{}

func (self *Memory) Set(on bool) error {
	atomic.StoreUint32(&self.state, boolU32(on))
	return nil
}
func (self *Memory) Get() bool { return atomic.LoadUint32(&self.state) != 0 }

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
