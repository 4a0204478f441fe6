package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConfigStore persists namespaced key/value configuration, in the manner of
// a device's non-volatile settings store.
type ConfigStore struct {
	db *DB
}

// ConfigStore returns a store backed by db.
func (db *DB) ConfigStore() *ConfigStore {
	return &ConfigStore{db: db}
}

// Put inserts or replaces a value.
func (s *ConfigStore) Put(namespace, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO config_store (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the value for key. ok is false when nothing is stored.
func (s *ConfigStore) Get(namespace, key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM config_store WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *ConfigStore) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM config_store WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// All returns every key in namespace.
func (s *ConfigStore) All(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config_store WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
