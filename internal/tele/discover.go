package tele

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

const DefaultDiscoverTimeout = 3 * time.Second

// Replaced in tests.
var mdnsQuery = mdns.Query

// ResolveBroker returns configured broker URL or, when discovery is enabled, first mDNS announced broker.
// Discovery failure falls back to configured broker.
func ResolveBroker(ctx context.Context, log *log2.Log, c *tele_config.Config) (string, error) {
	if c.DiscoverService == "" {
		if c.MqttBroker == "" {
			return "", errors.NotValidf("tele mqtt_broker empty and discover_service not set")
		}
		if _, err := url.ParseRequestURI(c.MqttBroker); err != nil {
			return "", errors.Annotatef(err, "tele mqtt_broker=%s", c.MqttBroker)
		}
		return c.MqttBroker, nil
	}

	found, err := discover(ctx, log, c)
	if err == nil {
		return found, nil
	}
	if c.MqttBroker != "" {
		log.Errorf("tele discover service=%s err=%v, fallback broker=%s", c.DiscoverService, err, c.MqttBroker)
		return c.MqttBroker, nil
	}
	return "", err
}

func discover(ctx context.Context, log *log2.Log, c *tele_config.Config) (string, error) {
	timeout := helpers.IntSecondDefault(c.DiscoverTimeoutSec, DefaultDiscoverTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	entries := make(chan *mdns.ServiceEntry, 8)
	params := &mdns.QueryParam{
		Service: c.DiscoverService,
		Domain:  defaultString(c.DiscoverDomain, "local"),
		Timeout: timeout,
		Entries: entries,
	}

	result := make(chan string, 1)
	go func() {
		defer close(result)
		for e := range entries {
			log.Debugf("tele discover entry name=%s host=%s addr=%v port=%d", e.Name, e.Host, e.AddrV4, e.Port)
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			select {
			case result <- fmt.Sprintf("tcp://%s", net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port))):
			default:
			}
		}
	}()
	err := mdnsQuery(params)
	close(entries)
	broker, ok := <-result
	if err != nil {
		return "", errors.Annotatef(err, "mdns query service=%s", c.DiscoverService)
	}
	if !ok || broker == "" {
		return "", errors.NotFoundf("mdns service=%s", c.DiscoverService)
	}
	log.Infof("tele discovered broker=%s service=%s", broker, c.DiscoverService)
	return broker, nil
}

// ClientID returns configured id or generated "telenode-<uuid>".
// Generated id is not stable across restarts, clean session makes that harmless.
func ClientID(c *tele_config.Config) string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "telenode-" + uuid.New().String()
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

// LocalIPv4 returns first non-loopback IPv4 address of an up interface.
func LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", errors.Annotate(err, "local ip")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String(), nil
			}
		}
	}
	return "", errors.NotFoundf("local ip")
}
