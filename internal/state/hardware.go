package state

import (
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/telenode/hardware/indicator"
	"github.com/temoto/telenode/hardware/mpu6050"
	"github.com/temoto/telenode/hardware/sim"
	"github.com/temoto/telenode/internal/types"
	"github.com/temoto/telenode/log2"
)

// hardware is lazily constructed from config, tests inject fakes before Init.
type hardware struct {
	mu        sync.Mutex
	sensor    types.Sensor
	indicator types.Indicator
}

// Inject replaces collaborators, nil arguments keep config driven construction.
func (g *Global) Inject(sensor types.Sensor, ind types.Indicator) {
	g.Hardware.mu.Lock()
	defer g.Hardware.mu.Unlock()
	if sensor != nil {
		g.Hardware.sensor = sensor
	}
	if ind != nil {
		g.Hardware.indicator = ind
	}
}

// Sensor returns configured driver. It is only constructed here, Init is caller's job.
func (g *Global) Sensor() (types.Sensor, error) {
	g.Hardware.mu.Lock()
	defer g.Hardware.mu.Unlock()
	if g.Hardware.sensor != nil {
		return g.Hardware.sensor, nil
	}

	switch d := g.Config.Hardware.Sensor.Driver; d {
	case "", SensorMpu6050:
		// nil bus: opened with periph host registry at sensor Init
		g.Hardware.sensor = mpu6050.New(nil)
	case SensorSim:
		g.Hardware.sensor = sim.New(nil)
	default:
		return nil, errors.NotValidf("sensor driver=%s", d)
	}
	g.Log.Debugf("sensor driver=%s name=%s", g.Config.Hardware.Sensor.Driver, g.Hardware.sensor.Name())
	return g.Hardware.sensor, nil
}

func (g *Global) Indicator() (types.Indicator, error) {
	g.Hardware.mu.Lock()
	defer g.Hardware.mu.Unlock()
	if g.Hardware.indicator != nil {
		return g.Hardware.indicator, nil
	}

	c := &g.Config.Hardware.Indicator
	switch c.Driver {
	case "", IndicatorMemory:
		g.Hardware.indicator = new(indicator.Memory)
	case IndicatorGpio:
		ind, err := indicator.OpenGPIO(c.Chip, uint32(c.Line), c.ActiveLow)
		if err != nil {
			return nil, errors.Annotate(err, "indicator")
		}
		g.Hardware.indicator = ind
	default:
		return nil, errors.NotValidf("indicator driver=%s", c.Driver)
	}
	return g.Hardware.indicator, nil
}

func (self *hardware) close(log *log2.Log) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.sensor != nil {
		if err := self.sensor.Close(); err != nil {
			log.Errorf("sensor close err=%v", err)
		}
	}
	if c, ok := self.indicator.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Errorf("indicator close err=%v", err)
		}
	}
}
