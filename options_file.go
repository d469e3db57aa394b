package rocklet

// options_file.go implements OPTIONS file persistence.
//
// Every Open writes the effective options to OPTIONS-<n>.yaml and removes
// older OPTIONS files. Format:
//
//	options_file_version: 1
//	options:
//	  create_if_missing: true
//	  compression: snappy
//	  memtable_byte_limit: 4194304
//	  ...

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/vfs"
)

// OptionsFileVersion is the current options file format version.
const OptionsFileVersion = 1

var errNoOptionsFile = errors.New("rocklet: no OPTIONS file")

type optionsFile struct {
	Version int      `yaml:"options_file_version"`
	Options *Options `yaml:"options"`
}

// WriteOptionsFile writes opts to OPTIONS-<num>.yaml in dir through a
// synced temporary file and a rename.
func WriteOptionsFile(fs vfs.FS, dir string, num uint64, opts *Options) error {
	data, err := yaml.Marshal(optionsFile{Version: OptionsFileVersion, Options: opts})
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	path := filename.Options(dir, num)
	tmp := filename.Temp(path)
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}

// LoadOptionsFile reads an OPTIONS file. Fields missing from the file keep
// their default values.
func LoadOptionsFile(fs vfs.FS, path string) (*Options, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return ParseOptions(data)
}

// ParseOptions decodes the YAML form of an OPTIONS file and validates it.
func ParseOptions(data []byte) (*Options, error) {
	// Decode into a value so that keys missing from the file keep their
	// defaults.
	var of struct {
		Version int     `yaml:"options_file_version"`
		Options Options `yaml:"options"`
	}
	of.Options = *DefaultOptions()
	if err := yaml.Unmarshal(data, &of); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if of.Version > OptionsFileVersion {
		return nil, fmt.Errorf("%w: options file version %d is newer than %d", ErrInvalidOptions, of.Version, OptionsFileVersion)
	}
	if err := of.Options.Validate(); err != nil {
		return nil, err
	}
	return &of.Options, nil
}

// LatestOptionsFile returns the path of the newest OPTIONS file in dir.
func LatestOptionsFile(fs vfs.FS, dir string) (string, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		return "", err
	}
	var latest uint64
	var found bool
	for _, name := range names {
		kind, num, ok := filename.Parse(name)
		if ok && kind == filename.KindOptions && (!found || num > latest) {
			latest, found = num, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w in %s", errNoOptionsFile, filepath.Clean(dir))
	}
	return filename.Options(dir, latest), nil
}
