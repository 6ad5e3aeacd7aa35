// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package sqlite

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBusyTimeout      = 2500 * time.Millisecond
	DefaultConnectionString = "actors.db"
)

// ErrReadOnlyDatabase is returned when the connection string opens the database in read-only mode.
var ErrReadOnlyDatabase = errors.New("the database must be writable: connection strings with 'mode=ro' or 'immutable=1' are not supported")

// connectionString is the connection string for a SQLite database
type connectionString string

// IsInMemoryDB returns true if the connection string is for an in-memory database.
func (c connectionString) IsInMemoryDB() bool {
	lc := strings.ToLower(string(c))

	// ":memory:" and "file::memory:" are always in-memory
	if strings.HasPrefix(lc, ":memory:") || strings.HasPrefix(lc, "file::memory:") {
		return true
	}

	return firstValue(c.query(lc), "mode") == "memory"
}

// IsReadOnly returns true if the connection string opens the database as read-only or immutable.
func (c connectionString) IsReadOnly() bool {
	qs := c.query(strings.ToLower(string(c)))
	return firstValue(qs, "mode") == "ro" || firstValue(qs, "immutable") == "1"
}

func (c connectionString) query(s string) url.Values {
	idx := strings.IndexRune(s, '?')
	if idx < 0 {
		return nil
	}
	qs, _ := url.ParseQuery(s[(idx + 1):])
	return qs
}

// Parse and validate the connection string, adding the options the provider needs.
func (c *connectionString) Parse(log *slog.Logger) error {
	if c == nil {
		return errors.New("connection string pointer cannot be nil")
	}
	if *c == "" {
		*c = connectionString(DefaultConnectionString)
	}

	if c.IsReadOnly() {
		return ErrReadOnlyDatabase
	}

	connString := string(*c)
	isMemoryDB := c.IsInMemoryDB()

	idx := strings.IndexRune(connString, '?')
	var qs url.Values
	if idx > 0 {
		qs, _ = url.ParseQuery(connString[(idx + 1):])
	}
	if len(qs) == 0 {
		qs = make(url.Values, 2)
	}

	// In-memory databases need a shared cache so all connections in the pool see the same data
	if isMemoryDB {
		qs["cache"] = []string{"shared"}
	}

	// Keep the first value only for options that can't be repeated
	for _, k := range []string{"mode", "_txlock"} {
		if len(qs[k]) > 0 {
			qs[k] = []string{strings.ToLower(qs[k][0])}
		}
	}

	// Writes always happen in transactions that must take the write lock upfront
	switch {
	case len(qs["_txlock"]) == 0:
		qs["_txlock"] = []string{"immediate"}
	case qs["_txlock"][0] != "immediate":
		log.Warn("Database connection is being created with a _txlock different from the recommended value 'immediate'")
	}

	var hasBusyTimeout, hasJournalMode bool
	for _, p := range qs["_pragma"] {
		p = strings.ToLower(p)
		switch {
		case strings.HasPrefix(p, "busy_timeout"):
			hasBusyTimeout = true
		case strings.HasPrefix(p, "journal_mode"):
			hasJournalMode = true
		}
	}
	if !hasBusyTimeout {
		qs["_pragma"] = append(qs["_pragma"], fmt.Sprintf("busy_timeout(%d)", DefaultBusyTimeout.Milliseconds()))
	}
	if !hasJournalMode {
		if isMemoryDB {
			// MEMORY is the only journal mode allowed for in-memory databases besides OFF, which disables transactions
			qs["_pragma"] = append(qs["_pragma"], "journal_mode(MEMORY)")
		} else {
			qs["_pragma"] = append(qs["_pragma"], "journal_mode(WAL)")
		}
	}

	if idx > 0 {
		connString = connString[:idx]
	}
	connString += "?" + qs.Encode()

	if !strings.HasPrefix(strings.ToLower(connString), "file:") {
		connString = "file:" + connString
	}

	*c = connectionString(connString)
	return nil
}

func firstValue(qs url.Values, key string) string {
	if len(qs[key]) == 0 {
		return ""
	}
	return qs[key][0]
}
