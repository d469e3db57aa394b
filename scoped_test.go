package rocklet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDB(t *testing.T) {
	dir := t.TempDir()

	var handle *DB
	err := WithDB(dir, testOptions(), func(db *DB) error {
		handle = db
		return db.Put(nil, []byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, handle.State())

	err = WithDB(dir, testOptions(), func(db *DB) error {
		v, err := db.Get(nil, []byte("k"))
		if err != nil {
			return err
		}
		assert.Equal(t, "v", string(v))
		return nil
	})
	require.NoError(t, err)
}

func TestWithDBCallbackError(t *testing.T) {
	errBoom := errors.New("boom")
	var handle *DB
	err := WithDB(t.TempDir(), testOptions(), func(db *DB) error {
		handle = db
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateClosed, handle.State())
}

func TestWithDBCloseErrorJoined(t *testing.T) {
	errBoom := errors.New("boom")
	err := WithDB(t.TempDir(), testOptions(), func(db *DB) error {
		// Closing early makes the deferred Close fail.
		require.NoError(t, db.Close())
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, err, ErrInvalidState)

	err = WithDB(t.TempDir(), testOptions(), func(db *DB) error {
		return db.Close()
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWithDBPanic(t *testing.T) {
	dir := t.TempDir()
	var handle *DB
	assert.PanicsWithValue(t, "callback panic", func() {
		_ = WithDB(dir, testOptions(), func(db *DB) error {
			handle = db
			panic("callback panic")
		})
	})
	assert.Equal(t, StateClosed, handle.State())

	// The lock was released, so the database opens again.
	require.NoError(t, WithDB(dir, testOptions(), func(*DB) error { return nil }))
}

func TestWithDBOpenError(t *testing.T) {
	opts := testOptions()
	opts.CreateIfMissing = false
	called := false
	err := WithDB(t.TempDir(), opts, func(*DB) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrDBNotFound)
	assert.False(t, called)
}
