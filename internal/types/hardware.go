package types

import "fmt"

// Full scale range of gyroscope, degrees per second.
type GyroRange int

const (
	Gyro250DPS  GyroRange = 250
	Gyro500DPS  GyroRange = 500
	Gyro1000DPS GyroRange = 1000
	Gyro2000DPS GyroRange = 2000
)

// Full scale range of accelerometer, g.
type AccelRange int

const (
	Accel2G  AccelRange = 2
	Accel4G  AccelRange = 4
	Accel8G  AccelRange = 8
	Accel16G AccelRange = 16
)

type SensorConfig struct {
	Bus        string
	Addr       uint16
	GyroRange  GyroRange
	AccelRange AccelRange
}

type Vector struct{ X, Y, Z float64 }

// Sample is one motion sensor reading.
// Accel in g, Gyro in degrees/s, Temperature in Celsius.
type Sample struct {
	Accel       Vector
	Gyro        Vector
	Temperature float64
}

func (s Sample) String() string {
	return fmt.Sprintf("accel=(%.2f %.2f %.2f) gyro=(%.2f %.2f %.2f) t=%.1f",
		s.Accel.X, s.Accel.Y, s.Accel.Z, s.Gyro.X, s.Gyro.Y, s.Gyro.Z, s.Temperature)
}

// Sensor contract:
// - Init failure is fatal for the node, no retry
// - Read returns error for any incomplete transfer, caller skips current slot
type Sensor interface {
	Name() string
	Init(SensorConfig) error
	Read() (Sample, error)
	Close() error
}

// Indicator is single binary output, e.g. LED.
type Indicator interface {
	Set(on bool) error
	Get() bool
}
