package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
)

// CreateJobsTable creates jobs table to a database if not exists.
// It is ok to call it multiple times.
func CreateJobsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			type INTEGER NOT NULL,
			level INTEGER NOT NULL,
			status INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			sched_time INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			files INTEGER NOT NULL,
			errors INTEGER NOT NULL,
			reschedule_count INTEGER NOT NULL
		);
	`)
	return err
}

// Catalog is a stash.Catalog which keeps jobs in a sqlite database.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a new Catalog, and it's tables if they don't exist.
func NewCatalog(db *sql.DB) (*Catalog, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := CreateJobsTable(tx); err != nil {
		return nil, errors.Wrap(err, "create jobs table")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// OpenCatalog opens a database at path and creates a Catalog with it.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCatalog(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// unixTime converts t to nanoseconds for the database.
// The zero time is stored as 0.
func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// CreateJob adds a job into a database, and returns it's id.
func (c *Catalog) CreateJob(j *stash.CatalogJob) (stash.JobID, error) {
	if j == nil {
		return 0, errors.New("nil job cannot be added")
	}
	tx, err := c.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := addJob(tx, j)
	if err != nil {
		return 0, err
	}
	err = tx.Commit()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// addJob adds a job into a database.
func addJob(tx *sql.Tx, j *stash.CatalogJob) (stash.JobID, error) {
	// Don't insert the job's id, it will be generated from db.
	result, err := tx.Exec(`
		INSERT INTO jobs (
			name,
			type,
			level,
			status,
			priority,
			sched_time,
			start_time,
			end_time,
			bytes,
			files,
			errors,
			reschedule_count
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.Name,
		j.Type,
		j.Level,
		j.Status,
		j.Priority,
		unixTime(j.SchedTime),
		unixTime(j.StartTime),
		unixTime(j.EndTime),
		j.Bytes,
		j.Files,
		j.Errors,
		j.RescheduleCount,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return stash.JobID(id), nil
}

// FindJobs finds jobs those matched with given filter, ordered by id.
func (c *Catalog) FindJobs(f stash.JobFilter) ([]*stash.CatalogJob, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	jobs, err := findJobs(tx, f)
	if err != nil {
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// filterClause converts a filter into a where clause and it's arguments.
// A filter without conditions matches every job.
func filterClause(f stash.JobFilter) (string, []interface{}) {
	conds := []string{}
	vals := []interface{}{}
	if f.Name != "" {
		conds = append(conds, "name = ?")
		vals = append(vals, f.Name)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		vals = append(vals, *f.Status)
	}
	if len(conds) == 0 {
		return "", vals
	}
	return " WHERE " + strings.Join(conds, " AND "), vals
}

func findJobs(tx *sql.Tx, f stash.JobFilter) ([]*stash.CatalogJob, error) {
	where, vals := filterClause(f)
	rows, err := tx.Query(`
		SELECT
			id,
			name,
			type,
			level,
			status,
			priority,
			sched_time,
			start_time,
			end_time,
			bytes,
			files,
			errors,
			reschedule_count
		FROM jobs
		`+where+`
		ORDER BY id ASC
	`,
		vals...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*stash.CatalogJob, 0)
	for rows.Next() {
		j := &stash.CatalogJob{}
		var sched, start, end int64
		err := rows.Scan(
			&j.ID,
			&j.Name,
			&j.Type,
			&j.Level,
			&j.Status,
			&j.Priority,
			&sched,
			&start,
			&end,
			&j.Bytes,
			&j.Files,
			&j.Errors,
			&j.RescheduleCount,
		)
		if err != nil {
			return nil, err
		}
		j.SchedTime = fromUnixTime(sched)
		j.StartTime = fromUnixTime(start)
		j.EndTime = fromUnixTime(end)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob updates a job.
func (c *Catalog) UpdateJob(u stash.JobUpdater) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = updateJob(tx, u)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	return nil
}

func updateJob(tx *sql.Tx, u stash.JobUpdater) error {
	keys := []string{}
	vals := []interface{}{}
	if u.Status != nil {
		keys = append(keys, "status = ?")
		vals = append(vals, *u.Status)
	}
	if u.StartTime != nil {
		keys = append(keys, "start_time = ?")
		vals = append(vals, unixTime(*u.StartTime))
	}
	if u.EndTime != nil {
		keys = append(keys, "end_time = ?")
		vals = append(vals, unixTime(*u.EndTime))
	}
	if u.Bytes != nil {
		keys = append(keys, "bytes = ?")
		vals = append(vals, *u.Bytes)
	}
	if u.Files != nil {
		keys = append(keys, "files = ?")
		vals = append(vals, *u.Files)
	}
	if u.Errors != nil {
		keys = append(keys, "errors = ?")
		vals = append(vals, *u.Errors)
	}
	if u.RescheduleCount != nil {
		keys = append(keys, "reschedule_count = ?")
		vals = append(vals, *u.RescheduleCount)
	}
	if len(keys) == 0 {
		return errors.New("need at least one parameter to update")
	}
	vals = append(vals, u.ID)
	result, err := tx.Exec(`
		UPDATE jobs
		SET `+strings.Join(keys, ", ")+`
		WHERE id = ?
	`,
		vals...,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("cannot find the job: %v", u.ID)
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
