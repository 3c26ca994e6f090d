// Package config loads allocator descriptors from JSONC files.
//
// A file may carry comments and trailing commas:
//
//	{
//	  // 64KiB pool pages for a mostly-small workload
//	  "pool_page_size": "64KiB",
//	  "system_chunk_size": "1MiB",
//	  "checked": true,
//	}
//
// Values are layered: defaults, then the file, then explicit overrides.
package config

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/tailscale/hujson"

	"github.com/joshuapare/hphakit/hpha/alloc"
	"github.com/joshuapare/hphakit/hpha/sysalloc"
)

var (
	// ErrInvalid marks unparsable or inconsistent configuration.
	ErrInvalid = errors.New("config: invalid")

	// ErrNotFound is returned when an explicitly named file does not exist.
	ErrNotFound = errors.New("config: file not found")
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "HPHA_CONFIG"

// File is the on-disk form of an allocator configuration. Zero fields
// inherit.
type File struct {
	PageSize            Size  `json:"page_size,omitempty"`
	PoolPageSize        Size  `json:"pool_page_size,omitempty"`
	SystemChunkSize     Size  `json:"system_chunk_size,omitempty"`
	FixedBlockSize      Size  `json:"fixed_block_size,omitempty"`
	FixedBlockAlignment Size  `json:"fixed_block_alignment,omitempty"`
	Pooling             *bool `json:"pooling,omitempty"`
	Checked             bool  `json:"checked,omitempty"`
	Debug               bool  `json:"debug,omitempty"`

	// SystemLimit caps the bytes taken from the OS; 0 is unlimited.
	SystemLimit Size `json:"system_limit,omitempty"`
}

// Default returns the configuration every file is layered over.
func Default() File {
	d := alloc.DefaultDescriptor()
	pooling := true
	return File{
		PageSize:        Size(d.PageSize),
		PoolPageSize:    Size(d.PoolPageSize),
		SystemChunkSize: Size(d.SystemChunkSize),
		Pooling:         &pooling,
	}
}

// Parse decodes a JSONC document. Unknown fields are rejected.
func Parse(data []byte) (File, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return File{}, errors.Mark(errors.Wrap(err, "invalid JSONC"), ErrInvalid)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return File{}, errors.Mark(errors.Wrap(err, "invalid config"), ErrInvalid)
	}
	return f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the caller
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return File{}, errors.Wrapf(err, "reading %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, errors.Wrapf(err, "%s", path)
	}
	return f, nil
}

// Load resolves the configuration: defaults, then path (or $HPHA_CONFIG when
// path is empty), then overrides. It returns the file that was read, if any.
func Load(path string, overrides File, env func(string) string) (File, string, error) {
	if env == nil {
		env = os.Getenv
	}
	if path == "" {
		path = env(EnvVar)
	}

	cfg := Default()
	if path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return File{}, "", err
		}
		cfg = Merge(cfg, f)
	}
	cfg = Merge(cfg, overrides)
	if err := cfg.Validate(); err != nil {
		return File{}, "", err
	}
	return cfg, path, nil
}

// Merge returns base with every set field of over applied.
func Merge(base, over File) File {
	set := func(dst *Size, v Size) {
		if v != 0 {
			*dst = v
		}
	}
	set(&base.PageSize, over.PageSize)
	set(&base.PoolPageSize, over.PoolPageSize)
	set(&base.SystemChunkSize, over.SystemChunkSize)
	set(&base.FixedBlockSize, over.FixedBlockSize)
	set(&base.FixedBlockAlignment, over.FixedBlockAlignment)
	set(&base.SystemLimit, over.SystemLimit)
	if over.Pooling != nil {
		v := *over.Pooling
		base.Pooling = &v
	}
	base.Checked = base.Checked || over.Checked
	base.Debug = base.Debug || over.Debug
	return base
}

// Validate checks f the way the allocator would.
func (f File) Validate() error {
	if f.FixedBlockSize > 0 && f.SystemLimit > 0 && f.FixedBlockSize > f.SystemLimit {
		return errors.Wrapf(ErrInvalid, "fixed block of %s exceeds system limit %s",
			f.FixedBlockSize, f.SystemLimit)
	}
	if err := f.base().WithDefaults().Validate(); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	return nil
}

// Descriptor converts f into an allocator descriptor. A system limit wraps
// OS pages in a sysalloc.Limited, which is returned for inspection.
func (f File) Descriptor(log *slog.Logger) (alloc.Descriptor, *sysalloc.Limited) {
	d := f.base()
	d.Logger = log
	if f.SystemLimit == 0 {
		return d, nil
	}
	limited := sysalloc.NewLimited(sysalloc.NewOS(), uintptr(f.SystemLimit))
	d.System = limited
	return d, limited
}

func (f File) base() alloc.Descriptor {
	return alloc.Descriptor{
		PageSize:                  int(f.PageSize),
		PoolPageSize:              int(f.PoolPageSize),
		SystemChunkSize:           int(f.SystemChunkSize),
		FixedMemoryBlockByteSize:  int(f.FixedBlockSize),
		FixedMemoryBlockAlignment: int(f.FixedBlockAlignment),
		DisablePooling:            f.Pooling != nil && !*f.Pooling,
		Checked:                   f.Checked,
		Debug:                     f.Debug,
	}
}

// Format renders f as indented JSON.
func Format(f File) (string, error) {
	data, err := json.MarshalIndent(f, "", "\t")
	if err != nil {
		return "", errors.Wrap(err, "formatting config")
	}
	v, err := hujson.Parse(data)
	if err != nil {
		return "", errors.Wrap(err, "formatting config")
	}
	v.Format()
	return string(v.Pack()), nil
}
