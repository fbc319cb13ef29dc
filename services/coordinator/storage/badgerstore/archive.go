// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore persists accepted response records in an embedded
// BadgerDB instance.
//
// The coordinator's session state is deliberately memory-only; the
// response archive is the one externally-persisted artifact, because
// accepted votes and ballots must survive a facilitator page reload and
// feed the config-lock rule. Keys are laid out as
//
//	resp/<sessionId>/<activityId>/<responseId>
//
// so listing an activity's responses is one prefix scan.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
)

// keyPrefix namespaces all response records inside the database.
const keyPrefix = "resp/"

// Config holds configuration for the archive's BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable synchronous writes.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a test configuration with no disk persistence.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Archive is the BadgerDB-backed response store. It implements
// responses.Archive and is safe for concurrent use.
type Archive struct {
	db *badger.DB
}

// Open creates and opens an Archive with the given configuration.
// The caller must Close it when done.
func Open(cfg Config) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory archive for tests.
func OpenInMemory() (*Archive, error) {
	return Open(InMemoryConfig())
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Append stores one accepted record.
func (a *Archive) Append(ctx context.Context, rec datatypes.ResponseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode response %s: %w", rec.ResponseID, err)
	}
	key := recordKey(rec.SessionID, rec.ActivityID, rec.ResponseID)
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, body)
	})
}

// Delete removes one record. Deleting an absent key is not an error;
// the engine has already vetted existence.
func (a *Archive) Delete(ctx context.Context, sessionID, activityID, responseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(sessionID, activityID, responseID))
	})
}

// List returns every record for an activity, ordered by submission time
// then response id for determinism.
func (a *Archive) List(ctx context.Context, sessionID, activityID string) ([]datatypes.ResponseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(keyPrefix + sessionID + "/" + activityID + "/")
	var out []datatypes.ResponseRecord

	err := a.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec datatypes.ResponseRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					// A corrupt record is skipped, not fatal: losing one
					// row is less harmful than blocking every submission.
					slog.Warn("skipping undecodable response record",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan responses: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ResponseID < out[j].ResponseID
	})
	return out, nil
}

// PurgeSession drops every record for a session (admin reset).
func (a *Archive) PurgeSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := []byte(keyPrefix + sessionID + "/")
	var keys [][]byte

	err := a.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan session keys: %w", err)
	}

	return a.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func recordKey(sessionID, activityID, responseID string) []byte {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(sessionID)
	b.WriteByte('/')
	b.WriteString(activityID)
	b.WriteByte('/')
	b.WriteString(responseID)
	return []byte(b.String())
}
