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

// Package db provides the OutcomeDatabase, a SQLite3 ledger that keeps running counts of what happened to the records
// the forwarder handled (delivered, failed, dropped as stale, and so on), per Pushgateway grouping key.  Only counts are
// stored.  Records themselves are never persisted.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/fermitools/weewx-prompush/internal/contextStore"
)

const (
	// ApplicationId is used to uniquely identify a sqlite database as belonging to an application, rather than being a simple DB
	ApplicationId    = 0x77787070
	dbDefaultTimeout = 10 * time.Second
)

// OutcomeDatabase is a handle to the outcome ledger
type OutcomeDatabase struct {
	filename string
	db       *sql.DB
}

// OpenOrCreateDatabase opens a sqlite3 database for reading or writing, and returns an *OutcomeDatabase.  If the file
// does not exist, a new database is created and initialized.  If it does exist, it is used only if its ApplicationId
// matches ours.
func OpenOrCreateDatabase(filename string) (*OutcomeDatabase, error) {
	o := &OutcomeDatabase{filename: filename}
	funcLogger := log.WithField("filename", filename)

	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		if err := o.initialize(); err != nil {
			funcLogger.Error("Could not create new database")
			if o.db != nil {
				o.db.Close()
			}
			if err2 := os.Remove(filename); err2 != nil && !errors.Is(err2, os.ErrNotExist) {
				funcLogger.Error("Could not remove corrupt database file.  Please do so manually")
			}
			return nil, err
		}
		funcLogger.Debug("Created new database")
	} else {
		if err := o.Open(); err != nil {
			funcLogger.Errorf("Could not open the database file: %s", err)
			return nil, err
		}
		funcLogger.Debug("Database file already exists.  Will try to use it")
	}

	if err := o.check(); err != nil {
		funcLogger.Error("Database failed check")
		o.Close()
		return nil, &databaseCheckError{filename, err}
	}
	funcLogger.Debug("Database connection ready")
	return o, nil
}

// Filename returns the path to the database file
func (o *OutcomeDatabase) Filename() string { return o.filename }

// Database returns the underlying *sql.DB
func (o *OutcomeDatabase) Database() *sql.DB { return o.db }

// Open opens an existing database file
func (o *OutcomeDatabase) Open() error {
	var err error
	if o.db, err = sql.Open("sqlite3", o.filename); err != nil {
		return &databaseOpenError{o.filename, err}
	}
	if err := o.db.Ping(); err != nil {
		return &databaseOpenError{o.filename, err}
	}
	return nil
}

// Close closes the database
func (o *OutcomeDatabase) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

// check makes sure that the file we opened actually is an OutcomeDatabase, by checking the ApplicationId
func (o *OutcomeDatabase) check() error {
	var dbApplicationId int
	if err := o.db.QueryRow("PRAGMA application_id").Scan(&dbApplicationId); err != nil {
		log.WithField("filename", o.filename).Error("Could not get application_id from database")
		return err
	}
	if dbApplicationId != ApplicationId {
		return fmt.Errorf("application IDs do not match.  Got %d, expected %d", dbApplicationId, ApplicationId)
	}
	return nil
}

// databaseOpenError is returned when the database file cannot be opened
type databaseOpenError struct {
	filename string
	err      error
}

func (d *databaseOpenError) Error() string {
	return fmt.Sprintf("could not open database file at %s: %s", d.filename, d.err)
}
func (d *databaseOpenError) Unwrap() error { return d.err }

// databaseCheckError is returned when the database fails the verification check
type databaseCheckError struct {
	filename string
	err      error
}

func (d *databaseCheckError) Error() string {
	return fmt.Sprintf("database at %s failed check: %s", d.filename, d.err)
}
func (d *databaseCheckError) Unwrap() error { return d.err }

// dbContext applies the ledger's timeout to ctx, unless the caller already put an override timeout in it
func dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout, _ := contextStore.GetProperTimeout(ctx, dbDefaultTimeout)
	return context.WithTimeout(ctx, timeout)
}
