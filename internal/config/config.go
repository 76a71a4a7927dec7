// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config turns the prompush section of the configuration into an immutable, validated Delivery.  Values are
// coerced the way weewx config values are written (numbers of seconds, yes/no booleans) as well as in their Go forms.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"golang.org/x/exp/constraints"

	"github.com/fermitools/weewx-prompush/internal/exposition"
	"github.com/fermitools/weewx-prompush/internal/pushgateway"
)

// Section is the configuration key under which all delivery options live
const Section = "prompush"

// Defaults for the delivery options
const (
	DefaultHost      = "localhost"
	DefaultPort      = 9091
	DefaultJob       = "weewx"
	DefaultStale     = 60 * time.Second
	DefaultTimeout   = 10 * time.Second
	DefaultMaxTries  = 3
	DefaultRetryWait = 5 * time.Second
)

// ErrMissingSection is wrapped by the ConfigError returned when there is no prompush section at all
var ErrMissingSection = errors.New("configuration section is missing")

// Delivery holds everything the forwarder needs to know about where and how to deliver records.  It is built once by
// Load and must not be modified afterwards.
type Delivery struct {
	Host     string
	Port     int
	Job      string
	Instance string

	SkipPost   bool
	MaxBacklog int
	// Stale is the maximum age of a record at evaluation time.  Zero disables the check.
	Stale time.Duration

	LogSuccess bool
	LogFailure bool

	Timeout   time.Duration
	MaxTries  int
	RetryWait time.Duration

	MetricTypes exposition.TypeTable
	Endpoint    *url.URL
}

// Address returns host:port of the pushgateway
func (d *Delivery) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// LogFields returns the delivery settings as logrus fields, for startup logging
func (d *Delivery) LogFields() log.Fields {
	return log.Fields{
		"endpoint":    d.Endpoint.String(),
		"skipPost":    d.SkipPost,
		"maxBacklog":  d.MaxBacklog,
		"stale":       d.Stale.String(),
		"timeout":     d.Timeout.String(),
		"maxTries":    d.MaxTries,
		"retryWait":   d.RetryWait.String(),
		"logSuccess":  d.LogSuccess,
		"logFailure":  d.LogFailure,
		"metricTypes": d.MetricTypes.String(),
	}
}

// ConfigError is returned when a configuration value is missing or malformed.  It is fatal at startup.
type ConfigError struct {
	Key string
	Err error
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", c.Key, c.Err)
}

func (c *ConfigError) Unwrap() error { return c.Err }

// Load reads the prompush section from v, applies defaults for anything unset, and validates the result
func Load(v *viper.Viper) (*Delivery, error) {
	if v.Get(Section) == nil {
		return nil, &ConfigError{Section, ErrMissingSection}
	}

	l := loader{v: v}
	d := &Delivery{
		Host:        l.str("host", DefaultHost),
		Port:        l.integer("port", DefaultPort),
		Job:         l.str("job", DefaultJob),
		Instance:    l.str("instance", ""),
		SkipPost:    l.boolean("skip_post", false),
		MaxBacklog:  l.integer("max_backlog", math.MaxInt),
		Stale:       l.duration("stale", DefaultStale),
		LogSuccess:  l.boolean("log_success", true),
		LogFailure:  l.boolean("log_failure", true),
		Timeout:     l.duration("timeout", DefaultTimeout),
		MaxTries:    l.integer("max_tries", DefaultMaxTries),
		RetryWait:   l.duration("retry_wait", DefaultRetryWait),
		MetricTypes: l.metricTypes("metric_types"),
	}
	if l.err != nil {
		return nil, l.err
	}

	if d.Job == "" {
		return nil, &ConfigError{key("job"), errors.New("must not be empty")}
	}

	checks := []error{
		inRange("port", d.Port, 1, 65535),
		atLeast("max_backlog", d.MaxBacklog, 0),
		atLeast("stale", d.Stale, 0),
		atLeast("timeout", d.Timeout, time.Millisecond),
		atLeast("max_tries", d.MaxTries, 1),
		atLeast("retry_wait", d.RetryWait, 0),
	}
	for _, err := range checks {
		if err != nil {
			return nil, err
		}
	}

	endpoint, err := pushgateway.URL(d.Host, d.Port, d.Job, d.Instance)
	if err != nil {
		name := "host"
		switch {
		case errors.Is(err, pushgateway.ErrInvalidJob):
			name = "job"
		case errors.Is(err, pushgateway.ErrInvalidInstance):
			name = "instance"
		}
		return nil, &ConfigError{key(name), err}
	}
	d.Endpoint = endpoint

	return d, nil
}

func key(name string) string { return Section + "." + name }

// loader coerces raw viper values, keeping the first error it runs into
type loader struct {
	v   *viper.Viper
	err error
}

func (l *loader) raw(name string) (any, bool) {
	if l.err != nil || !l.v.IsSet(key(name)) {
		return nil, false
	}
	return l.v.Get(key(name)), true
}

func (l *loader) fail(name string, err error) {
	if l.err == nil {
		l.err = &ConfigError{key(name), err}
	}
}

func (l *loader) str(name, def string) string {
	val, ok := l.raw(name)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(val)
	if err != nil {
		l.fail(name, err)
		return def
	}
	return strings.TrimSpace(s)
}

func (l *loader) integer(name string, def int) int {
	val, ok := l.raw(name)
	if !ok {
		return def
	}
	if s, isString := val.(string); isString {
		val = strings.TrimSpace(s)
	}
	i, err := cast.ToIntE(val)
	if err != nil {
		l.fail(name, err)
		return def
	}
	return i
}

func (l *loader) boolean(name string, def bool) bool {
	val, ok := l.raw(name)
	if !ok {
		return def
	}
	b, err := toBool(val)
	if err != nil {
		l.fail(name, err)
		return def
	}
	return b
}

func (l *loader) duration(name string, def time.Duration) time.Duration {
	val, ok := l.raw(name)
	if !ok {
		return def
	}
	d, err := toDuration(val)
	if err != nil {
		l.fail(name, err)
		return def
	}
	return d
}

// metricTypes reads extra metric types as name=type entries, either as a list or as one comma-separated string, and
// merges them over the built-in table.  Entries are kept as strings because viper lowercases map keys, and metric
// names are case sensitive.
func (l *loader) metricTypes(name string) exposition.TypeTable {
	table := exposition.DefaultTypeTable.Merge(nil)
	val, ok := l.raw(name)
	if !ok {
		return table
	}

	var entries []string
	if s, isString := val.(string); isString {
		entries = strings.Split(s, ",")
	} else {
		var err error
		if entries, err = cast.ToStringSliceE(val); err != nil {
			l.fail(name, err)
			return table
		}
	}

	extra := make(exposition.TypeTable, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		metricName, typeName, found := strings.Cut(entry, "=")
		if !found {
			l.fail(name, fmt.Errorf("entry %q is not of the form name=type", entry))
			return table
		}
		metricType, err := exposition.ParseMetricType(typeName)
		if err != nil {
			l.fail(name, err)
			return table
		}
		extra[strings.TrimSpace(metricName)] = metricType
	}
	if err := extra.Validate(); err != nil {
		l.fail(name, err)
		return table
	}
	return table.Merge(extra)
}

// toBool accepts the spellings weewx allows in addition to the ones cast understands
func toBool(val any) (bool, error) {
	if s, ok := val.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "y", "on":
			return true, nil
		case "no", "n", "off", "none", "":
			return false, nil
		}
	}
	return cast.ToBoolE(val)
}

// toDuration treats bare numbers as seconds.  Strings may also be Go durations like "1m30s", and "none" means zero.
func toDuration(val any) (time.Duration, error) {
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if strings.EqualFold(s, "none") || s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return seconds(secs)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%q is neither a number of seconds nor a duration", v)
		}
		return d, nil
	default:
		secs, err := cast.ToFloat64E(val)
		if err != nil {
			return 0, err
		}
		return seconds(secs)
	}
}

func seconds(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%v seconds is out of range", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func atLeast[T constraints.Ordered](name string, val, lo T) error {
	if val < lo {
		return &ConfigError{key(name), fmt.Errorf("must be at least %v, got %v", lo, val)}
	}
	return nil
}

func inRange[T constraints.Ordered](name string, val, lo, hi T) error {
	if err := atLeast(name, val, lo); err != nil {
		return err
	}
	if val > hi {
		return &ConfigError{key(name), fmt.Errorf("must be at most %v, got %v", hi, val)}
	}
	return nil
}
