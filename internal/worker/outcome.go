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

package worker

// Outcome is what finally happened to a record the Forwarder dequeued
type Outcome uint8

const (
	Delivered Outcome = iota
	Failed
	DroppedStale
	DroppedBacklog
	Skipped
	invalidOutcome
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case DroppedStale:
		return "stale"
	case DroppedBacklog:
		return "backlog"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func isValidOutcome(o Outcome) bool {
	return o < invalidOutcome
}

// allOutcomes lists every valid Outcome, in declaration order
func allOutcomes() []Outcome {
	outcomes := make([]Outcome, 0, int(invalidOutcome))
	for o := Outcome(0); isValidOutcome(o); o++ {
		outcomes = append(outcomes, o)
	}
	return outcomes
}
