package sntp

import "encoding/binary"

const (
	DefaultPort = 123
	PacketSize  = 48

	// seconds between 1900-01-01T00:00:00Z and 1970-01-01T00:00:00Z
	UnixEpochDelta int64 = 2208988800

	version    = 3
	modeClient = 3
	modeServer = 4
)

// Byte offsets of the reply fields, RFC 4330 section 4.
const (
	offsetLIVNMode       = 0
	offsetStratum        = 1
	offsetPoll           = 2
	offsetPrecision      = 3
	offsetRootDelay      = 4
	offsetRootDispersion = 8
	offsetReferenceID    = 12
	offsetReferenceSec   = 16
	offsetOriginateSec   = 24
	offsetReceiveSec     = 32
	offsetTransmitSec    = 40
	offsetTransmitFrac   = 44
)

// LI=0 VN=3 Mode=3 -> 0x1b
const requestLIVNMode byte = 0<<6 | version<<3 | modeClient

func newRequest() []byte {
	b := make([]byte, PacketSize)
	b[offsetLIVNMode] = requestLIVNMode
	return b
}

type reply []byte

func (r reply) mode() byte    { return r[offsetLIVNMode] & 0x07 }
func (r reply) stratum() byte { return r[offsetStratum] }

func (r reply) transmitSec() uint32 {
	return binary.BigEndian.Uint32(r[offsetTransmitSec : offsetTransmitSec+4])
}

// Unix converts transmit timestamp to Unix epoch seconds.
func (r reply) Unix() int64 { return int64(r.transmitSec()) - UnixEpochDelta }

// usable reports whether reply is long enough to carry transmit timestamp.
// Mode and stratum are not checked, any full size reply is accepted.
func (r reply) usable() bool { return len(r) >= PacketSize }
