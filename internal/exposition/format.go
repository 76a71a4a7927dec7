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

package exposition

import (
	"bytes"
	"strconv"

	"github.com/fermitools/weewx-prompush/internal/record"
)

// Format renders every field of r, in the record's order, as one "<name> <value>" line.  If the field's name is in
// types, the value line is preceded by a "# TYPE <name> <type>" line.  The dateTime field is written like any other
// field.  Format has no side effects, so the same record and table always produce the same bytes.
func Format(r record.Record, types TypeTable) []byte {
	var b bytes.Buffer
	for _, f := range r.Fields() {
		if t, ok := types[f.Name]; ok {
			b.WriteString("# TYPE ")
			b.WriteString(f.Name)
			b.WriteByte(' ')
			b.WriteString(string(t))
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(formatValue(f.Value))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// formatValue writes floats without an exponent so that timestamps read naturally in the Pushgateway UI.
// NaN and the infinities come out as "NaN", "+Inf" and "-Inf", which the exposition format accepts.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
