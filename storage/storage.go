/* Copyright 2026 SLAC National Accelerator Laboratory
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package storage archives checkout runs so that a later shift can
// ask what was checked, when, and what came of it.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pcdshub/atef/check"
)

var runsBucket = []byte("runs")

// RunRecord is one archived checkout run.
type RunRecord struct {
	// ID is the prepared file's run id.
	ID string `json:"id"`

	// File is the checkout document's filename, when known.
	File string `json:"file,omitempty"`

	Time time.Time `json:"time"`

	// Severity and Reason duplicate the root of Result for cheap
	// listing.
	Severity check.Severity `json:"severity"`
	Reason   string         `json:"reason,omitempty"`

	// Result is the full result tree.
	Result *check.Result `json:"result"`
}

// Store is a bbolt-backed archive of run records.
type Store struct {
	filename string
	db       *bolt.DB
}

// Open opens (or creates) the archive file.
func Open(filename string) (*Store, error) {
	db, err := bolt.Open(filename, 0644, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{filename: filename, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun writes one record, keyed by its run id.
func (s *Store) SaveRun(r *RunRecord) error {
	if r.ID == "" {
		return fmt.Errorf("run record without an id")
	}
	js, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(r.ID), js)
	})
}

// GetRun reads one record by run id, or nil when unknown.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	var r *RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(runsBucket).Get([]byte(id))
		if bs == nil {
			return nil
		}
		r = &RunRecord{}
		return json.Unmarshal(bs, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns every archived record, newest first.
func (s *Store) ListRuns() ([]*RunRecord, error) {
	var rs []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for id, bs := c.First(); id != nil; id, bs = c.Next() {
			var r RunRecord
			if err := json.Unmarshal(bs, &r); err != nil {
				return err
			}
			rs = append(rs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The cursor walks in id order; callers want recency.
	sort.Slice(rs, func(i, j int) bool {
		return rs[j].Time.Before(rs[i].Time)
	})
	return rs, nil
}
