package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/internal/types"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

const (
	DefaultNtpServer      = "pool.ntp.org"
	DefaultQueryTimeout   = 5 * time.Second
	DefaultBootstrapRetry = 5 * time.Second
	DefaultInitRetry      = 3 * time.Second
	DefaultTick           = 100 * time.Millisecond
	DefaultStatusTopic    = "ha/%s/%s/mpu6050"
	DefaultCommandTopic   = "ha/%s/%s/set"
	DefaultSensorName     = "MPU-6050"

	SensorMpu6050   = "mpu6050"
	SensorSim       = "sim"
	IndicatorGpio   = "gpio"
	IndicatorMemory = "memory"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Identity struct {
		Team   string `hcl:"team"`
		Device string `hcl:"device"`
		Ssid   string `hcl:"ssid"`
		Sensor string `hcl:"sensor"`
		// empty: first non-loopback IPv4 at first connect
		IP string `hcl:"ip"`
	} `hcl:"identity"`

	Hardware struct {
		Sensor struct {
			// "mpu6050" (default) or "sim"
			Driver     string `hcl:"driver"`
			Bus        string `hcl:"bus"`
			Addr       int    `hcl:"addr"`
			GyroRange  int    `hcl:"gyro_range"`
			AccelRange int    `hcl:"accel_range"`
		} `hcl:"sensor"`
		Indicator struct {
			// "gpio" or "memory" (default)
			Driver    string `hcl:"driver"`
			Chip      string `hcl:"chip"`
			Line      int    `hcl:"line"`
			ActiveLow bool   `hcl:"active_low"`
		} `hcl:"indicator"`
	} `hcl:"hardware"`

	Tele tele_config.Config `hcl:"tele"`

	Time struct {
		NtpServer          string `hcl:"ntp_server"`
		QueryTimeoutMs     int    `hcl:"query_timeout_ms"`
		ResyncIntervalSec  int    `hcl:"resync_interval_sec"`
		BootstrapRetrySec  int    `hcl:"bootstrap_retry_sec"`
		RetryBackoffMaxSec int    `hcl:"retry_backoff_max_sec"`
		ZoneOffsetSec      int    `hcl:"zone_offset_sec"`
	} `hcl:"time"`

	Loop struct {
		TickMs             int `hcl:"tick_ms"`
		PublishIntervalSec int `hcl:"publish_interval_sec"`
		InitRetrySec       int `hcl:"init_retry_sec"`
	} `hcl:"loop"`

	LogLevel string `hcl:"log_level"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Validate fills defaults and rejects values the node can not run with.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Identity.Team == "" {
		errs = append(errs, errors.NotValidf("config: identity.team=empty"))
	}
	if c.Identity.Device == "" {
		errs = append(errs, errors.NotValidf("config: identity.device=empty"))
	}
	if c.Identity.Sensor == "" {
		c.Identity.Sensor = DefaultSensorName
	}

	s := &c.Hardware.Sensor
	switch s.Driver {
	case "":
		s.Driver = SensorMpu6050
	case SensorMpu6050, SensorSim:
	default:
		errs = append(errs, errors.NotValidf("config: hardware.sensor.driver=%s", s.Driver))
	}
	if s.Addr < 0 || s.Addr > 0x7f {
		errs = append(errs, errors.NotValidf("config: hardware.sensor.addr=%#x", s.Addr))
	}
	switch c.Hardware.Indicator.Driver {
	case "":
		c.Hardware.Indicator.Driver = IndicatorMemory
	case IndicatorMemory:
	case IndicatorGpio:
		if c.Hardware.Indicator.Chip == "" {
			errs = append(errs, errors.NotValidf("config: hardware.indicator.chip=empty"))
		}
	default:
		errs = append(errs, errors.NotValidf("config: hardware.indicator.driver=%s", c.Hardware.Indicator.Driver))
	}

	if c.Time.NtpServer == "" {
		c.Time.NtpServer = DefaultNtpServer
	}
	if c.Time.ZoneOffsetSec < -14*3600 || c.Time.ZoneOffsetSec > 14*3600 {
		errs = append(errs, errors.NotValidf("config: time.zone_offset_sec=%d", c.Time.ZoneOffsetSec))
	}

	t := &c.Tele
	if t.TopicStatus == "" {
		t.TopicStatus = fmt.Sprintf(DefaultStatusTopic, c.Identity.Team, c.Identity.Device)
	}
	if t.TopicCommand == "" {
		t.TopicCommand = fmt.Sprintf(DefaultCommandTopic, c.Identity.Team, c.Identity.Device)
	}
	if t.Qos < 0 || t.Qos > 1 {
		errs = append(errs, errors.NotValidf("config: tele.qos=%d supported 0, 1", t.Qos))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) SensorConfig() types.SensorConfig {
	return types.SensorConfig{
		Bus:        c.Hardware.Sensor.Bus,
		Addr:       uint16(c.Hardware.Sensor.Addr),
		GyroRange:  types.GyroRange(c.Hardware.Sensor.GyroRange),
		AccelRange: types.AccelRange(c.Hardware.Sensor.AccelRange),
	}
}

func (c *Config) QueryTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.Time.QueryTimeoutMs, DefaultQueryTimeout)
}
func (c *Config) ResyncInterval() time.Duration {
	return helpers.IntSecondDefault(c.Time.ResyncIntervalSec, 0)
}
func (c *Config) BootstrapRetry() time.Duration {
	return helpers.IntSecondDefault(c.Time.BootstrapRetrySec, DefaultBootstrapRetry)
}
func (c *Config) InitRetry() time.Duration {
	return helpers.IntSecondDefault(c.Loop.InitRetrySec, DefaultInitRetry)
}
func (c *Config) Tick() time.Duration {
	return helpers.IntMillisecondDefault(c.Loop.TickMs, DefaultTick)
}
func (c *Config) PublishInterval() time.Duration {
	return helpers.IntSecondDefault(c.Loop.PublishIntervalSec, 0)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads and merges sources in order, later values overwrite earlier.
// Result is validated only when all sources were read.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
