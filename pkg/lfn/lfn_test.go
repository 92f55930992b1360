package lfn

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIsIdempotentOnMarkedPaths(t *testing.T) {
	first := Sanitize("../../etc/pass wd.jpg")
	require.True(t, HasMarker(first), "sanitized path %q should carry a marker", first)
	require.True(t, IsSafe(first))
	assert.Equal(t, first, Sanitize(first))

	labeled := Labeled("photos", "GCC report 12.photo")
	assert.True(t, strings.HasPrefix(labeled, "photos/"))
	assert.Equal(t, labeled, Sanitize(labeled))
}

func TestSanitizeStripsDirectoriesAndUnsafeRunes(t *testing.T) {
	got := Sanitize("/tmp/some dir/ça va?.mp4")
	assert.NotContains(t, got, "/")
	assert.True(t, strings.HasSuffix(got, ".mp4"), got)
	assert.True(t, strings.HasPrefix(got, "_a_va_-u"), got)
	assert.True(t, IsSafe(got))
}

func TestSanitizeProducesDistinctPathsForCollidingInput(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p := Sanitize("photo.jpg")
		assert.False(t, seen[p], "collision on %q", p)
		seen[p] = true
	}
}

func TestSanitizeEmptyAndDotNames(t *testing.T) {
	for _, in := range []string{"", ".", "..", "/", "..."} {
		got := Sanitize(in)
		assert.True(t, IsSafe(got), "Sanitize(%q) = %q is not safe", in, got)
		assert.True(t, HasMarker(got), "Sanitize(%q) = %q is not marked", in, got)
	}
}

func TestDerivedIsStablePerSeed(t *testing.T) {
	a := Derived("photos", "chan-3.photo", "tr/7/chan/3/photo")
	b := Derived("photos", "chan-3.photo", "tr/7/chan/3/photo")
	c := Derived("photos", "chan-3.photo", "tr/8/chan/3/photo")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "photos/chan-3-u"), a)
	assert.True(t, IsSafe(a) && HasMarker(a))
	assert.Equal(t, a, Sanitize(a))
}

func TestIsSafe(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"photos/a-u0123456789ab.jpg", true},
		{"a_b.c-d", true},
		{"", false},
		{"/abs/path", false},
		{"a//b", false},
		{"a/../b", false},
		{"a b", false},
		{"a?b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSafe(tt.path), "IsSafe(%q)", tt.path)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Protocol("ftp"), "tr", 1, SourceTelegram, "x")
	assert.True(t, errors.Is(err, ErrInvalidLFN))

	_, err = New(ProtocolS3, "", 1, SourceTelegram, "x")
	assert.True(t, errors.Is(err, ErrInvalidLFN))

	_, err = New(ProtocolS3, "tr", 1, Source("myspace"), "x")
	assert.True(t, errors.Is(err, ErrInvalidLFN))

	_, err = New(ProtocolS3, "tr", -1, SourceTelegram, "x")
	assert.True(t, errors.Is(err, ErrInvalidLFN))

	l, err := New(ProtocolS3, "tr", 7, SourceTelegram, "x.csv")
	require.NoError(t, err)
	assert.Equal(t, "tr", l.TracerID())
	assert.Equal(t, int64(7), l.JobID())
	assert.True(t, HasMarker(l.RelativePath()))
}

func TestTracerIDMustBeOneSafeSegment(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", "../x", "tr acer", "t\\x"} {
		_, err := New(ProtocolLocal, id, 7, SourceTelegram, "photos/x-u0123456789ab.photo")
		assert.ErrorIs(t, err, ErrInvalidLFN, "tracer %q", id)
		assert.ErrorIs(t, ValidTracerID(id), ErrInvalidLFN, "tracer %q", id)
	}
	for _, id := range []string{"tr", "campaign-1", "a.b", "..x", "v1_2"} {
		assert.NoError(t, ValidTracerID(id), "tracer %q", id)
	}
}

func TestFromPartsDoesNotRewrite(t *testing.T) {
	l, err := FromParts(ProtocolLocal, "tr", 1, SourceTelegram, "data2_climate.csv")
	require.NoError(t, err)
	assert.Equal(t, "data2_climate.csv", l.RelativePath())

	_, err = FromParts(ProtocolLocal, "tr", 1, SourceTelegram, "bad path.csv")
	assert.True(t, errors.Is(err, ErrInvalidLFN))
}

func TestJSONRoundTrip(t *testing.T) {
	l, err := New(ProtocolS3, "tracer-1", 3, SourceTelegram, Labeled("videos", "clip.video"))
	require.NoError(t, err)

	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"protocol":"s3"`)
	assert.Contains(t, string(data), `"tracer_id":"tracer-1"`)

	back, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, l, back)
	assert.Equal(t, l.String(), back.String())
}

func TestUnmarshalRejectsUnsafePath(t *testing.T) {
	_, err := Parse(`{"protocol":"s3","tracer_id":"t","job_id":1,"source":"telegram","relative_path":"../x"}`)
	assert.True(t, errors.Is(err, ErrInvalidLFN))
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"S3": ProtocolS3, "local": ProtocolLocal, "gcs": ProtocolGCS, "minio": ProtocolS3} {
		got, err := ParseProtocol(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseProtocol("ftp")
	assert.Error(t, err)
}
