package fwupdate

import (
	"os"

	"fwupdate/programmer"
	"fwupdate/quirks"
	"fwupdate/sysprops"
)

// Mode is the --mode value. Update reads it only to select the Factory
// path (ModeFactory or ModeFactoryInstall); legacy mode is carried by
// Config.LegacyUpdate, and every other mode falls through to the
// Try-RW / RW-only / Full choice (spec.md §4.G).
type Mode int

const (
	ModeAutoUpdate Mode = iota
	ModeRecovery
	ModeLegacy
	ModeFactory
	ModeFactoryInstall
)

// Config is the Updater configuration: the images involved, the
// property and quirk registries, resource bookkeeping, and the flags
// that steer Update's dispatch (spec.md §3 "Updater configuration").
// Constructed empty, populated from parsed arguments, used for exactly
// one Update call, then torn down.
type Config struct {
	Target *Image
	Current *Image
	EC      *Image
	PD      *Image

	Props  *sysprops.Oracle
	Quirks *quirks.Registry

	Programmer *programmer.Facade
	ProgrammerID string

	TempFiles []string

	TryUpdate    bool
	ForceUpdate  bool
	LegacyUpdate bool
	Mode         Mode

	Verbosity int
}

// NewConfig builds an empty configuration wired to the given programmer
// facade and property getters.
func NewConfig(facade *programmer.Facade, programmerID string, getters [6]sysprops.Getter) *Config {
	return &Config{
		Props:        sysprops.New(getters),
		Quirks:       quirks.New(),
		Programmer:   facade,
		ProgrammerID: programmerID,
	}
}

// CreateTempFile creates a new temp file in dir and records it for
// removal by Close (spec.md §5 "singly-linked list of created
// temp-file paths").
func (cfg *Config) CreateTempFile(dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	cfg.TempFiles = append(cfg.TempFiles, f.Name())
	return f, nil
}

// Close removes every temp file created during this configuration's
// lifetime (spec.md §5, testable property 7). Image buffers need no
// explicit release in Go; they are reclaimed by the garbage collector
// once cfg goes out of scope.
func (cfg *Config) Close() {
	for _, path := range cfg.TempFiles {
		os.Remove(path)
	}
	cfg.TempFiles = nil
}
