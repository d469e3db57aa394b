// Package filename names and classifies the files in a database directory.
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind is the role of a file in the database directory.
type Kind int

const (
	KindUnknown Kind = iota
	KindLog
	KindTable
	KindManifest
	KindCurrent
	KindLock
	KindIdentity
	KindOptions
	KindTemp
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindTable:
		return "table"
	case KindManifest:
		return "manifest"
	case KindCurrent:
		return "current"
	case KindLock:
		return "lock"
	case KindIdentity:
		return "identity"
	case KindOptions:
		return "options"
	case KindTemp:
		return "temp"
	default:
		return "unknown"
	}
}

const (
	Current  = "CURRENT"
	Lock     = "LOCK"
	Identity = "IDENTITY"

	tempSuffix = ".tmp"
)

func Log(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("LOG-%06d", num))
}

func Table(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("TABLE-%06d.sst", num))
}

// ManifestBase is the name CURRENT refers to.
func ManifestBase(num uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", num)
}

func Manifest(dir string, num uint64) string {
	return filepath.Join(dir, ManifestBase(num))
}

func Options(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("OPTIONS-%06d.yaml", num))
}

// Temp returns the temporary name used while atomically replacing path.
func Temp(path string) string {
	return path + tempSuffix
}

// Parse classifies a base file name. num is zero for unnumbered files.
func Parse(name string) (kind Kind, num uint64, ok bool) {
	switch {
	case name == Current:
		return KindCurrent, 0, true
	case name == Lock:
		return KindLock, 0, true
	case name == Identity:
		return KindIdentity, 0, true
	case strings.HasSuffix(name, tempSuffix):
		return KindTemp, 0, true
	case strings.HasPrefix(name, "LOG-"):
		return parseNumber(KindLog, strings.TrimPrefix(name, "LOG-"))
	case strings.HasPrefix(name, "TABLE-") && strings.HasSuffix(name, ".sst"):
		return parseNumber(KindTable, strings.TrimSuffix(strings.TrimPrefix(name, "TABLE-"), ".sst"))
	case strings.HasPrefix(name, "MANIFEST-"):
		return parseNumber(KindManifest, strings.TrimPrefix(name, "MANIFEST-"))
	case strings.HasPrefix(name, "OPTIONS-") && strings.HasSuffix(name, ".yaml"):
		return parseNumber(KindOptions, strings.TrimSuffix(strings.TrimPrefix(name, "OPTIONS-"), ".yaml"))
	}
	return KindUnknown, 0, false
}

func parseNumber(kind Kind, s string) (Kind, uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return KindUnknown, 0, false
	}
	return kind, n, true
}
