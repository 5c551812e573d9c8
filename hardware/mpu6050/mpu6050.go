// Package mpu6050 is register level driver for InvenSense MPU-6050 accelerometer and gyroscope.
package mpu6050

import (
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/telenode/internal/types"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const (
	DefaultAddr uint16 = 0x68
	Name               = "MPU-6050"

	regGyroConfig  byte = 0x1b
	regAccelConfig byte = 0x1c
	regAccelXoutH  byte = 0x3b
	regPwrMgmt1    byte = 0x6b

	// accel xyz, temperature, gyro xyz, each big endian int16
	burstLength = 14
)

var gyroDivisors = map[types.GyroRange]struct {
	sel     byte
	divisor float64
}{
	types.Gyro250DPS:  {0, 131},
	types.Gyro500DPS:  {1, 65.5},
	types.Gyro1000DPS: {2, 32.8},
	types.Gyro2000DPS: {3, 16.4},
}

var accelDivisors = map[types.AccelRange]struct {
	sel     byte
	divisor float64
}{
	types.Accel2G:  {0, 16384},
	types.Accel4G:  {1, 8192},
	types.Accel8G:  {2, 4096},
	types.Accel16G: {3, 2048},
}

type Device struct {
	sync.Mutex
	bus          i2c.Bus
	ownBus       i2c.BusCloser
	dev          *i2c.Dev
	accelDivisor float64
	gyroDivisor  float64
	buf          [burstLength]byte
}

var _ types.Sensor = &Device{} // compile-time interface test

// New with nil bus opens config.Bus through periph registry on Init.
func New(bus i2c.Bus) *Device { return &Device{bus: bus} }

func (self *Device) Name() string { return Name }

// Init wakes device, sets full scale ranges and probes presence.
func (self *Device) Init(c types.SensorConfig) error {
	self.Lock()
	defer self.Unlock()

	if c.GyroRange == 0 {
		c.GyroRange = types.Gyro250DPS
	}
	if c.AccelRange == 0 {
		c.AccelRange = types.Accel2G
	}
	if c.Addr == 0 {
		c.Addr = DefaultAddr
	}
	gyro, ok := gyroDivisors[c.GyroRange]
	if !ok {
		return errors.NotValidf("mpu6050 gyro range=%d", c.GyroRange)
	}
	accel, ok := accelDivisors[c.AccelRange]
	if !ok {
		return errors.NotValidf("mpu6050 accel range=%d", c.AccelRange)
	}

	if self.bus == nil {
		if _, err := host.Init(); err != nil {
			return errors.Annotate(err, "periph/init")
		}
		bus, err := i2creg.Open(c.Bus)
		if err != nil {
			return errors.Annotatef(err, "I2C Open bus=%s", c.Bus)
		}
		self.ownBus = bus
		self.bus = bus
	}
	self.dev = &i2c.Dev{Bus: self.bus, Addr: c.Addr}

	writes := []struct {
		name string
		b    []byte
	}{
		{"wake", []byte{regPwrMgmt1, 0x00}},
		{"gyro config", []byte{regGyroConfig, gyro.sel << 3}},
		{"accel config", []byte{regAccelConfig, accel.sel << 3}},
	}
	for _, w := range writes {
		if err := self.dev.Tx(w.b, nil); err != nil {
			return errors.Annotatef(err, "mpu6050 %s addr=%#02x", w.name, c.Addr)
		}
	}
	self.gyroDivisor = gyro.divisor
	self.accelDivisor = accel.divisor

	// device still answers after configuration
	var probe [1]byte
	if err := self.dev.Tx(nil, probe[:]); err != nil {
		return errors.Annotatef(err, "mpu6050 probe addr=%#02x", c.Addr)
	}
	return nil
}

// Read burst reads all measurement registers starting at ACCEL_XOUT_H.
func (self *Device) Read() (types.Sample, error) {
	self.Lock()
	defer self.Unlock()
	if self.dev == nil {
		return types.Sample{}, errors.Errorf("mpu6050 read before init")
	}

	b := self.buf[:]
	if err := self.dev.Tx([]byte{regAccelXoutH}, b); err != nil {
		return types.Sample{}, errors.Annotate(err, "mpu6050 read")
	}
	raw := func(i int) float64 { return float64(int16(binary.BigEndian.Uint16(b[i*2:]))) }
	s := types.Sample{
		Accel: types.Vector{
			X: raw(0) / self.accelDivisor,
			Y: raw(1) / self.accelDivisor,
			Z: raw(2) / self.accelDivisor,
		},
		Temperature: raw(3)/340 + 36.53,
		Gyro: types.Vector{
			X: raw(4) / self.gyroDivisor,
			Y: raw(5) / self.gyroDivisor,
			Z: raw(6) / self.gyroDivisor,
		},
	}
	return s, nil
}

func (self *Device) Close() error {
	self.Lock()
	defer self.Unlock()
	self.dev = nil
	if self.ownBus != nil {
		err := self.ownBus.Close()
		self.ownBus = nil
		self.bus = nil
		return err
	}
	return nil
}
