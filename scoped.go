package rocklet

import "errors"

// WithDB opens the database at path, passes it to fn and closes it on
// every exit path, including a panic in fn, which is re-raised after the
// close. An error from fn takes precedence; when closing fails as well
// both errors are joined.
func WithDB(path string, opts *Options, fn func(*DB) error) (err error) {
	db, err := Open(path, opts)
	if err != nil {
		return err
	}
	panicked := true
	defer func() {
		cerr := db.Close()
		if panicked || cerr == nil {
			return
		}
		if err != nil {
			err = errors.Join(err, cerr)
			return
		}
		err = cerr
	}()

	err = fn(db)
	panicked = false
	return err
}
