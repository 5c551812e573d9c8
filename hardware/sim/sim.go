// Package sim is sensor replacement for desktop runs, uniform random readings.
package sim

import (
	"math/rand"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/internal/types"
)

const Name = "MPU-6050"

const (
	AccelLimit = 10.0
	GyroLimit  = 5.0
	TempMin    = 25.0
	TempMax    = 50.0
)

type Sensor struct {
	sync.Mutex
	rand    *rand.Rand
	inited  bool
	FailErr error // returned from Read when set, for exercising skip paths
}

var _ types.Sensor = &Sensor{} // compile-time interface test

// New with nil r seeds from current time.
func New(r *rand.Rand) *Sensor {
	if r == nil {
		r = helpers.RandUnix()
	}
	return &Sensor{rand: r}
}

func (self *Sensor) Name() string { return Name }

func (self *Sensor) Init(types.SensorConfig) error {
	self.Lock()
	self.inited = true
	self.Unlock()
	return nil
}

func (self *Sensor) Read() (types.Sample, error) {
	self.Lock()
	defer self.Unlock()
	if !self.inited {
		return types.Sample{}, errors.Errorf("sim read before init")
	}
	if self.FailErr != nil {
		return types.Sample{}, self.FailErr
	}
	return types.Sample{
		Accel:       types.Vector{X: self.uniform(-AccelLimit, AccelLimit), Y: self.uniform(-AccelLimit, AccelLimit), Z: self.uniform(-AccelLimit, AccelLimit)},
		Gyro:        types.Vector{X: self.uniform(-GyroLimit, GyroLimit), Y: self.uniform(-GyroLimit, GyroLimit), Z: self.uniform(-GyroLimit, GyroLimit)},
		Temperature: self.uniform(TempMin, TempMax),
	}, nil
}

func (self *Sensor) Close() error { return nil }

func (self *Sensor) uniform(min, max float64) float64 {
	return min + self.rand.Float64()*(max-min)
}
