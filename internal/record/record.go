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

// Package record provides the Record type that carries a single weewx archive record from a record source to the
// forwarding worker.  A Record is an ordered set of named numeric fields, one of which must be the dateTime field.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/common/model"
)

// DateTimeField is the name of the field that holds the record's Unix timestamp, in seconds
const DateTimeField = "dateTime"

// maxDateTime is 9999-12-31T23:59:59Z
const maxDateTime = 253402300799

// ErrMissingDateTime is returned when a record does not carry a dateTime field
var ErrMissingDateTime = errors.New("record has no " + DateTimeField + " field")

// ErrInvalidDateTime is returned when a record's dateTime field is not a Unix timestamp between 1970 and the year 9999
var ErrInvalidDateTime = errors.New("record " + DateTimeField + " is not a timestamp between 1970 and 9999")

// ErrInvalidFieldName is returned when a field name is not a valid Prometheus metric name
var ErrInvalidFieldName = errors.New("invalid field name")

// Field is a single named value in a Record
type Field struct {
	Name  string
	Value float64
}

// Record is an immutable, ordered mapping of metric name to value.  Fields keep the order in which they were
// given to New (or in which they appeared in the decoded JSON document).  Every name is a valid metric name.  Other
// fields may hold NaN, but dateTime is always a timestamp in [0, maxDateTime].
type Record struct {
	fields []Field
	index  map[string]int
}

// New returns a Record holding the given fields in order.  If a name is repeated, the later value replaces the
// earlier one, but the field keeps its original position.  New returns ErrInvalidFieldName if a name could not be
// written as a metric, ErrMissingDateTime if none of the fields is the dateTime field, and ErrInvalidDateTime if
// dateTime is NaN, negative, or later than the year 9999.
func New(fields ...Field) (Record, error) {
	r := Record{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if !model.IsValidMetricName(model.LabelValue(f.Name)) {
			return Record{}, fmt.Errorf("%w %q", ErrInvalidFieldName, f.Name)
		}
		r.set(f)
	}
	ts, ok := r.Value(DateTimeField)
	if !ok {
		return Record{}, ErrMissingDateTime
	}
	if math.IsNaN(ts) || ts < 0 || ts > maxDateTime {
		return Record{}, ErrInvalidDateTime
	}
	return r, nil
}

func (r *Record) set(f Field) {
	if i, ok := r.index[f.Name]; ok {
		r.fields[i].Value = f.Value
		return
	}
	r.index[f.Name] = len(r.fields)
	r.fields = append(r.fields, f)
}

// Fields returns a copy of the record's fields, in order
func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of fields in the record, dateTime included
func (r Record) Len() int { return len(r.fields) }

// Value returns the value stored for name, and whether it was present
func (r Record) Value(name string) (float64, bool) {
	i, ok := r.index[name]
	if !ok {
		return 0, false
	}
	return r.fields[i].Value, true
}

// DateTime returns the record's dateTime field as a time.Time.  Fractional seconds are kept.
func (r Record) DateTime() time.Time {
	ts, _ := r.Value(DateTimeField)
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Age returns how old the record is relative to now
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.DateTime())
}

// UnmarshalJSON decodes a flat JSON object into the record, keeping the document's key order.  A JSON null is stored
// as NaN, since weewx reports missing sensor readings as None.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("could not read record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record must be a JSON object")
	}

	fields := make([]Field, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("could not read record key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("could not read value for %s: %w", key, err)
		}
		var value float64
		switch v := valTok.(type) {
		case json.Number:
			if value, err = v.Float64(); err != nil {
				return fmt.Errorf("value for %s is not a number: %w", key, err)
			}
		case bool:
			if v {
				value = 1
			}
		case nil:
			value = math.NaN()
		default:
			return fmt.Errorf("value for %s must be numeric, got %v", key, valTok)
		}
		fields = append(fields, Field{Name: key, Value: value})
	}

	decoded, err := New(fields...)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}
