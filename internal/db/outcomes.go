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
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// SQL statements used by the OutcomeDatabase

var (
	insertGroupingKeyStatement = `
INSERT INTO grouping_keys(job, instance)
VALUES
	(?, ?)
ON CONFLICT(job, instance) DO NOTHING;
`
	incrementOutcomeStatement = `
INSERT INTO outcomes(grouping_key_id, outcome, count, last_update)
SELECT
	grouping_keys.id,
	?,
	1,
	?
FROM grouping_keys
WHERE
	grouping_keys.job = ?
	AND grouping_keys.instance = ?
ON CONFLICT(grouping_key_id, outcome) DO
	UPDATE SET
		count = count + 1,
		last_update = excluded.last_update;
`
	getOutcomeCountsStatement = `
SELECT
	outcomes.outcome,
	outcomes.count
FROM outcomes
INNER JOIN grouping_keys ON outcomes.grouping_key_id = grouping_keys.id
WHERE
	grouping_keys.job = ?
	AND grouping_keys.instance = ?
ORDER BY outcomes.outcome;
`
)

// IncrementOutcome adds one to the stored count of outcome for the job/instance grouping key
func (o *OutcomeDatabase) IncrementOutcome(ctx context.Context, job, instance, outcome string) error {
	funcLogger := log.WithFields(log.Fields{
		"job":      job,
		"instance": instance,
		"outcome":  outcome,
	})

	dbCtx, cancel := dbContext(ctx)
	defer cancel()

	tx, err := o.db.BeginTx(dbCtx, nil)
	if err != nil {
		funcLogger.Error("Could not open transaction to database")
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(dbCtx, insertGroupingKeyStatement, job, instance); err != nil {
		funcLogger.Error("Could not insert grouping key into database")
		return err
	}
	if _, err := tx.ExecContext(dbCtx, incrementOutcomeStatement, outcome, time.Now().Unix(), job, instance); err != nil {
		funcLogger.Error("Could not increment outcome count in database")
		return err
	}
	if err := tx.Commit(); err != nil {
		funcLogger.Error("Could not commit transaction to database")
		return err
	}

	if debugEnabled {
		debugLogger.WithFields(log.Fields{
			"job":      job,
			"instance": instance,
			"outcome":  outcome,
		}).Debug("Incremented outcome count in database")
	}
	return nil
}

// GetOutcomeCounts returns the stored outcome counts for the job/instance grouping key, keyed by outcome
func (o *OutcomeDatabase) GetOutcomeCounts(ctx context.Context, job, instance string) (map[string]int, error) {
	funcLogger := log.WithFields(log.Fields{
		"job":      job,
		"instance": instance,
	})

	dbCtx, cancel := dbContext(ctx)
	defer cancel()

	rows, err := o.db.QueryContext(dbCtx, getOutcomeCountsStatement, job, instance)
	if err != nil {
		funcLogger.Error("Could not query outcome counts from database")
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			funcLogger.Error("Could not scan outcome count row")
			return nil, err
		}
		counts[outcome] = count
	}
	if err := rows.Err(); err != nil {
		funcLogger.Error(err)
		return nil, err
	}
	return counts, nil
}
