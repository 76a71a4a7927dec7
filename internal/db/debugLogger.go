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

package db

import (
	"os"

	log "github.com/sirupsen/logrus"
)

var (
	debugEnabled             = false
	debugLogger  DebugLogger = log.WithField("component", "outcomeLedger")
)

func init() {
	if _, ok := os.LookupEnv("WEEWX_PROMPUSH_DB_DEBUG"); ok {
		debugEnabled = true
	}
}

// DebugLogger is where ledger writes are logged when debugging is on.  *logrus.Entry and *logrus.Logger both
// satisfy it.
type DebugLogger interface {
	WithFields(log.Fields) *log.Entry
}

// SetDebugLogger sets the debug logger for the db package and turns debug logging of ledger writes on
func SetDebugLogger(logger DebugLogger) {
	debugEnabled = true
	debugLogger = logger
}
