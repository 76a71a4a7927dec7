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
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

type migration struct {
	description string
	sqlText     string
}

var migrations = []migration{
	{
		description: "Initial Version",
		sqlText: `
PRAGMA user_version=1;
PRAGMA foreign_keys=on;

CREATE TABLE grouping_keys (
id INTEGER NOT NULL PRIMARY KEY,
job STRING NOT NULL,
instance STRING NOT NULL,
UNIQUE(job, instance)
);

CREATE TABLE outcomes (
grouping_key_id INTEGER NOT NULL,
outcome STRING NOT NULL,
count INTEGER NOT NULL,
last_update INTEGER NOT NULL,
UNIQUE(grouping_key_id, outcome),
FOREIGN KEY (grouping_key_id)
	REFERENCES grouping_keys (id)
		ON DELETE CASCADE
		ON UPDATE NO ACTION
);`,
	},
}

var schemaVersion = len(migrations)

// initialize creates the database file, stamps it with our ApplicationId, and runs all migrations
func (o *OutcomeDatabase) initialize() error {
	var err error
	if o.db, err = sql.Open("sqlite3", o.filename); err != nil {
		log.WithField("filename", o.filename).Error(err)
		return &databaseOpenError{o.filename, err}
	}

	if _, err := o.db.Exec(fmt.Sprintf("PRAGMA application_id=%d;", ApplicationId)); err != nil {
		log.WithField("filename", o.filename).Error(err)
		return &databaseCreateError{err}
	}

	if err := o.migrate(0, schemaVersion); err != nil {
		log.WithField("filename", o.filename).Error("Could not create database tables")
		return err
	}
	return nil
}

func (o *OutcomeDatabase) migrate(from, to int) error {
	if to > len(migrations) {
		return &databaseMigrateError{"trying to migrate to a database version that does not exist", from, to, nil}
	}

	for i := from; i < to; i++ {
		log.WithFields(log.Fields{
			"migration":   fmt.Sprintf("v%d-v%d", i, i+1),
			"description": migrations[i].description,
		}).Debug("Migrating database")
		if _, err := o.db.Exec(migrations[i].sqlText); err != nil {
			return &databaseMigrateError{"", from, to, err}
		}
	}
	return nil
}

// databaseCreateError is returned when the database cannot be created
type databaseCreateError struct {
	err error
}

func (d *databaseCreateError) Error() string {
	msg := "could not create new OutcomeDatabase"
	if d.err != nil {
		return fmt.Sprintf("%s: %s", msg, d.err)
	}
	return msg
}
func (d *databaseCreateError) Unwrap() error { return d.err }

// databaseMigrateError is returned when migration between schema versions fails
type databaseMigrateError struct {
	msg      string
	from, to int
	err      error
}

func (d *databaseMigrateError) Error() string {
	msg := fmt.Sprintf("could not migrate between schemaVersions %d and %d", d.from, d.to)
	if d.msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, d.msg)
	}
	if d.err != nil {
		return fmt.Sprintf("%s: %s", msg, d.err)
	}
	return msg
}
func (d *databaseMigrateError) Unwrap() error { return d.err }
