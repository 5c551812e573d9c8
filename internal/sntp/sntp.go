// Package sntp implements one request/response exchange with SNTP server.
// Every wait is bounded by caller timeout measured on monotonic counter;
// while waiting, Client.Advance is invoked so cooperative transport keeps progressing.
package sntp

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/log2"
)

const (
	DefaultPollSlice   = 20 * time.Millisecond
	DefaultResolvePace = 100 * time.Millisecond
)

var ErrResolve = errors.New("sntp: resolve")

type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Client struct {
	Resolver Resolver
	// Counter bounds resolve and reply waits, must be live (advanced by time or by Advance).
	// nil: atomic_clock.System
	Counter atomic_clock.Counter
	// Advance is non-blocking step of the surrounding network stack, called after every empty or discarded read.
	Advance func()
	Listen  func() (net.PacketConn, error)
	Log     *log2.Log

	PollSlice   time.Duration
	ResolvePace time.Duration
}

// exchange is per call scratch state, never shared between calls.
type exchange struct {
	host     string
	port     int
	addr     *net.UDPAddr
	discards int
	buf      [2 * PacketSize]byte
}

// Query sends one request to hostname ("host" or "host:port") and returns server time as Unix epoch seconds.
// Errors: cause ErrResolve if name is not resolved within timeout;
// errors.IsTimeout if no acceptable reply arrived within timeout.
func (c *Client) Query(hostname string, timeout time.Duration) (int64, error) {
	ex := &exchange{port: DefaultPort}
	if host, portStr, err := net.SplitHostPort(hostname); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return 0, errors.NotValidf("sntp server=%s port", hostname)
		}
		ex.host, ex.port = host, port
	} else {
		ex.host = hostname
	}

	if err := c.resolve(ex, timeout); err != nil {
		return 0, err
	}
	return c.roundtrip(ex, timeout)
}

func (c *Client) resolve(ex *exchange, timeout time.Duration) error {
	if ip := net.ParseIP(ex.host); ip != nil {
		ex.addr = &net.UDPAddr{IP: ip, Port: ex.port}
		return nil
	}

	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	pace := c.ResolvePace
	if pace == 0 {
		pace = DefaultResolvePace
	}
	counter := c.counter()
	deadline := counter.Now() + atomic_clock.FromDuration(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		remaining := (deadline - counter.Now()).Duration()
		if remaining <= 0 {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		addrs, err := resolver.LookupHost(ctx, ex.host)
		cancel()
		if err == nil {
			for _, a := range addrs {
				if ip := net.ParseIP(a); ip != nil {
					ex.addr = &net.UDPAddr{IP: ip, Port: ex.port}
					c.Log.Debugf("resolved host=%s addr=%s attempt=%d", ex.host, ex.addr, attempt)
					return nil
				}
			}
			err = errors.NotFoundf("address for host=%s", ex.host)
		}
		lastErr = err
		c.advance()
		if rem := (deadline - counter.Now()).Duration(); rem < pace {
			time.Sleep(rem)
		} else {
			time.Sleep(pace)
		}
	}
	err := errors.Annotatef(ErrResolve, "host=%s timeout=%v", ex.host, timeout)
	if lastErr != nil {
		err = errors.Annotatef(err, "last=%v", lastErr)
	}
	return err
}

func (c *Client) roundtrip(ex *exchange, timeout time.Duration) (int64, error) {
	listen := c.Listen
	if listen == nil {
		listen = func() (net.PacketConn, error) { return net.ListenPacket("udp", ":0") }
	}
	conn, err := listen()
	if err != nil {
		return 0, errors.Annotate(err, "sntp listen")
	}
	defer conn.Close()

	if _, err = conn.WriteTo(newRequest(), ex.addr); err != nil {
		return 0, errors.Annotatef(err, "sntp send addr=%s", ex.addr)
	}

	slice := c.PollSlice
	if slice == 0 {
		slice = DefaultPollSlice
	}
	counter := c.counter()
	deadline := counter.Now() + atomic_clock.FromDuration(timeout)
	for counter.Now() < deadline {
		if err = conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
			return 0, errors.Annotate(err, "sntp SetReadDeadline")
		}
		n, from, err := conn.ReadFrom(ex.buf[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.advance()
				continue
			}
			return 0, errors.Annotatef(err, "sntp receive addr=%s", ex.addr)
		}
		if !sameHost(from, ex.addr) {
			ex.discards++
			c.Log.Debugf("discard reply from=%s expected=%s", from, ex.addr)
			c.advance()
			continue
		}
		r := reply(ex.buf[:n])
		if !r.usable() {
			ex.discards++
			c.Log.Debugf("discard reply n=%d short", n)
			c.advance()
			continue
		}
		unix := r.Unix()
		c.Log.Debugf("reply addr=%s unix=%d mode=%d stratum=%d discards=%d", ex.addr, unix, r.mode(), r.stratum(), ex.discards)
		return unix, nil
	}
	return 0, errors.Timeoutf("sntp reply addr=%s timeout=%v discards=%d", ex.addr, timeout, ex.discards)
}

func (c *Client) advance() {
	if c.Advance != nil {
		c.Advance()
	}
}

func (c *Client) counter() atomic_clock.Counter {
	if c.Counter != nil {
		return c.Counter
	}
	return atomic_clock.System
}

func sameHost(from net.Addr, expect *net.UDPAddr) bool {
	u, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	return u.Port == expect.Port && u.IP.Equal(expect.IP)
}
