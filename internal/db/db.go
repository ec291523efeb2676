// Package db persists completed passes and pull tests to sqlite.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/trackside/speedcal/internal/pulltest"
	"github.com/trackside/speedcal/internal/speed"
	"github.com/trackside/speedcal/internal/trap"
)

type DB struct {
	*sql.DB
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS passes (
			pass_id TEXT PRIMARY KEY,
			direction TEXT,
			sensor_count INTEGER,
			sensors_triggered INTEGER,
			duration_us BIGINT,
			intervals_us TEXT,
			avg_speed_mph DOUBLE,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS pull_tests (
			test_id TEXT PRIMARY KEY,
			complete BOOLEAN,
			step_increment INTEGER,
			settle_ms BIGINT,
			peak_grams DOUBLE,
			peak_step INTEGER,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS pull_test_entries (
			test_id TEXT,
			seq INTEGER,
			speed_step INTEGER,
			throttle_pct DOUBLE,
			pull_grams DOUBLE,
			vib_peak_to_peak INTEGER,
			vib_rms DOUBLE,
			audio_rms_db DOUBLE,
			audio_peak_db DOUBLE,
			FOREIGN KEY(test_id) REFERENCES pull_tests(test_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Pass is one recorded trap measurement.
type Pass struct {
	ID               string    `json:"pass_id"`
	Direction        string    `json:"direction"`
	SensorCount      int       `json:"sensor_count"`
	SensorsTriggered int       `json:"sensors_triggered"`
	DurationUs       int64     `json:"duration_us"`
	IntervalsUs      []uint32  `json:"intervals_us"`
	AvgSpeedMPH      float64   `json:"avg_speed_mph"`
	Timestamp        time.Time `json:"timestamp"`
}

// RecordPass stores a finalised pass and its computed speed, returning the
// new row id. The speed result may be nil for partial passes where no
// interval could be formed.
func (db *DB) RecordPass(rec *trap.PassRecord, res *speed.Result) (string, error) {
	id := uuid.NewString()

	intervals := []byte("[]")
	var avg float64
	if res != nil {
		var err error
		intervals, err = json.Marshal(res.IntervalsUs)
		if err != nil {
			return "", fmt.Errorf("marshal intervals: %w", err)
		}
		avg = res.AvgScaleMPH
	}

	_, err := db.Exec(
		`INSERT INTO passes (pass_id, direction, sensor_count, sensors_triggered, duration_us, intervals_us, avg_speed_mph)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Direction.String(), rec.SensorCount, rec.SensorsTriggered,
		int64(rec.RunDurationUs), string(intervals), avg)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Passes returns the most recent passes, newest first.
func (db *DB) Passes(limit int) ([]Pass, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT pass_id, direction, sensor_count, sensors_triggered, duration_us, intervals_us, avg_speed_mph, timestamp
		 FROM passes ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var passes []Pass
	for rows.Next() {
		var p Pass
		var intervals string
		if err := rows.Scan(&p.ID, &p.Direction, &p.SensorCount, &p.SensorsTriggered,
			&p.DurationUs, &intervals, &p.AvgSpeedMPH, &p.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(intervals), &p.IntervalsUs); err != nil {
			return nil, fmt.Errorf("unmarshal intervals for pass %s: %w", p.ID, err)
		}
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return passes, nil
}

// RecordPullTest stores a completed or aborted pull test with its step
// table, returning the new row id.
func (db *DB) RecordPullTest(res *pulltest.Results) (string, error) {
	id := uuid.NewString()

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO pull_tests (test_id, complete, step_increment, settle_ms, peak_grams, peak_step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, res.Complete, res.StepIncrement, res.SettleMs, res.PeakGrams, res.PeakStep)
	if err != nil {
		return "", err
	}

	for i, e := range res.Entries {
		_, err = tx.Exec(
			`INSERT INTO pull_test_entries (test_id, seq, speed_step, throttle_pct, pull_grams, vib_peak_to_peak, vib_rms, audio_rms_db, audio_peak_db)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, e.Step, e.ThrottlePct, e.PullGrams, e.VibPeakToPeak, e.VibRMS, e.AudioRMSDb, e.AudioPeakDb)
		if err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// PullTestSummary is one stored pull test without its step table.
type PullTestSummary struct {
	ID            string    `json:"test_id"`
	Complete      bool      `json:"complete"`
	StepIncrement int       `json:"step_inc"`
	SettleMs      int64     `json:"settle_ms"`
	PeakGrams     float64   `json:"peak_grams"`
	PeakStep      int       `json:"peak_step"`
	Timestamp     time.Time `json:"timestamp"`
}

// PullTests returns stored pull tests, newest first.
func (db *DB) PullTests(limit int) ([]PullTestSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT test_id, complete, step_increment, settle_ms, peak_grams, peak_step, timestamp
		 FROM pull_tests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []PullTestSummary
	for rows.Next() {
		var t PullTestSummary
		if err := rows.Scan(&t.ID, &t.Complete, &t.StepIncrement, &t.SettleMs,
			&t.PeakGrams, &t.PeakStep, &t.Timestamp); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return tests, nil
}

// GetPullTest returns one stored pull test with its full step table, or
// sql.ErrNoRows when the id is unknown.
func (db *DB) GetPullTest(id string) (*PullTestSummary, []pulltest.Entry, error) {
	var t PullTestSummary
	err := db.QueryRow(
		`SELECT test_id, complete, step_increment, settle_ms, peak_grams, peak_step, timestamp
		 FROM pull_tests WHERE test_id = ?`, id).
		Scan(&t.ID, &t.Complete, &t.StepIncrement, &t.SettleMs, &t.PeakGrams, &t.PeakStep, &t.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	rows, err := db.Query(
		`SELECT speed_step, throttle_pct, pull_grams, vib_peak_to_peak, vib_rms, audio_rms_db, audio_peak_db
		 FROM pull_test_entries WHERE test_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []pulltest.Entry
	for rows.Next() {
		var e pulltest.Entry
		if err := rows.Scan(&e.Step, &e.ThrottlePct, &e.PullGrams, &e.VibPeakToPeak,
			&e.VibRMS, &e.AudioRMSDb, &e.AudioPeakDb); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &t, entries, nil
}
