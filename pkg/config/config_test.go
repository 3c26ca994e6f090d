package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hphakit/hpha/alloc"
)

func boolPtr(v bool) *bool { return &v }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hpha.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(string) string { return "" }

func TestParseJSONC(t *testing.T) {
	f, err := Parse([]byte(`{
		// comment
		"pool_page_size": "64KiB",
		"system_chunk_size": 1048576,
		"pooling": false,
		"checked": true, /* trailing comma next */
	}`))
	require.NoError(t, err)

	want := File{
		PoolPageSize:    64 << 10,
		SystemChunkSize: 1 << 20,
		Pooling:         boolPtr(false),
		Checked:         true,
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": `{"page_sise": 4096}`,
		"bad size":      `{"page_size": "lots"}`,
		"negative":      `{"page_size": -1}`,
		"not jsonc":     `{page_size: 1`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "%v", err)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"0", 0},
		{"4096", 4096},
		{"4k", 4 << 10},
		{"64KiB", 64 << 10},
		{"2 MiB", 2 << 20},
		{"1GB", 1 << 30},
		{"512b", 512},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "k", "-4k", "1.5MiB", "99999999999999GiB"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "0", Size(0).String())
	assert.Equal(t, "100", Size(100).String())
	assert.Equal(t, "4KiB", Size(4096).String())
	assert.Equal(t, "3MiB", Size(3<<20).String())
	assert.Equal(t, "1GiB", Size(1<<30).String())
}

func TestLoadLayers(t *testing.T) {
	path := writeConfig(t, `{"pool_page_size": "8KiB", "checked": true}`)

	cfg, used, err := Load(path, File{SystemChunkSize: 256 << 10}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	want := Default()
	want.PoolPageSize = 8 << 10
	want.SystemChunkSize = 256 << 10
	want.Checked = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `{"pooling": false}`)
	env := func(k string) string {
		if k == EnvVar {
			return path
		}
		return ""
	}

	cfg, used, err := Load("", File{}, env)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	require.NotNil(t, cfg.Pooling)
	assert.False(t, *cfg.Pooling)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, used, err := Load("", File{}, noEnv)
	require.NoError(t, err)
	assert.Empty(t, used)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.jsonc"), File{}, noEnv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadRejectsInconsistentDescriptor(t *testing.T) {
	path := writeConfig(t, `{"page_size": "8KiB", "pool_page_size": "4KiB"}`)
	_, _, err := Load(path, File{}, noEnv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.True(t, errors.Is(err, alloc.ErrBadDescriptor))
}

func TestValidateFixedBlockAgainstLimit(t *testing.T) {
	f := Default()
	f.FixedBlockSize = 1 << 20
	f.SystemLimit = 64 << 10
	assert.True(t, errors.Is(f.Validate(), ErrInvalid))
}

func TestMergeOverridesPooling(t *testing.T) {
	base := Default()
	got := Merge(base, File{Pooling: boolPtr(false)})
	require.NotNil(t, got.Pooling)
	assert.False(t, *got.Pooling)
	assert.True(t, *base.Pooling, "base is not modified")
}

func TestDescriptor(t *testing.T) {
	f := Default()
	f.Pooling = boolPtr(false)
	f.FixedBlockSize = 1 << 20
	f.Debug = true

	d, limited := f.Descriptor(nil)
	assert.Nil(t, limited)
	assert.True(t, d.DisablePooling)
	assert.Equal(t, 1<<20, d.FixedMemoryBlockByteSize)
	assert.True(t, d.Debug)
	require.NoError(t, d.WithDefaults().Validate())

	f.SystemLimit = 8 << 20
	d, limited = f.Descriptor(nil)
	require.NotNil(t, limited)
	assert.Same(t, limited, d.System)
}

func TestFormatRoundTrips(t *testing.T) {
	f := Default()
	f.FixedBlockSize = 3 << 20
	f.Checked = true

	out, err := Format(f)
	require.NoError(t, err)
	// hujson aligns values in a column, so the spacing after the colon varies.
	assert.Regexp(t, `"fixed_block_size":\s+"3MiB"`, out)
	assert.Regexp(t, `"checked":\s+true`, out)

	back, err := Parse([]byte(out))
	require.NoError(t, err)
	if diff := cmp.Diff(f, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
