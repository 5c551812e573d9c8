package publish

import (
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/temoto/telenode/internal/clock"
	"github.com/temoto/telenode/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity fields are fixed at startup, IP is filled once transport connects.
type Identity struct {
	Team   string
	Device string
	IP     string
	SSID   string
	Sensor string
}

// Field order of these structs is the wire contract.
type payload struct {
	Team      string      `json:"team"`
	Device    string      `json:"device"`
	IP        string      `json:"ip"`
	SSID      string      `json:"ssid"`
	Sensor    string      `json:"sensor"`
	Data      payloadData `json:"data"`
	Timestamp string      `json:"timestamp"`
}

type payloadData struct {
	Accel       payloadVector `json:"accel"`
	Gyro        payloadVector `json:"gyro"`
	Temperature fixed         `json:"temperature"`
}

type payloadVector struct {
	X fixed `json:"x"`
	Y fixed `json:"y"`
	Z fixed `json:"z"`
}

// fixed is float rendered with fixed decimals: 2 for axes, 1 for temperature.
type fixed struct {
	v    float64
	prec int
}

func (f fixed) MarshalJSON() ([]byte, error) {
	if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f.v, 'f', f.prec, 64), nil
}

func vector(v types.Vector) payloadVector {
	return payloadVector{X: fixed{v.X, 2}, Y: fixed{v.Y, 2}, Z: fixed{v.Z, 2}}
}

// Encode renders one JSON object; at must already be in display (zone adjusted) time.
func Encode(id Identity, s types.Sample, at time.Time) ([]byte, error) {
	p := payload{
		Team:   id.Team,
		Device: id.Device,
		IP:     id.IP,
		SSID:   id.SSID,
		Sensor: id.Sensor,
		Data: payloadData{
			Accel:       vector(s.Accel),
			Gyro:        vector(s.Gyro),
			Temperature: fixed{s.Temperature, 1},
		},
		Timestamp: at.Format(clock.TimestampLayout),
	}
	return json.Marshal(&p)
}
