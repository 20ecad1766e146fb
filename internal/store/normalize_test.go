package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "docs/report.pdf", NormalizePath("docs/report.pdf"))
	assert.Equal(t, "/abs/path/file.txt", NormalizePath("/abs/path/file.txt"))
}

func TestNormalizeExtension(t *testing.T) {
	assert.Equal(t, ".pdf", NormalizeExtension("PDF"))
	assert.Equal(t, ".pdf", NormalizeExtension(".pdf"))
	assert.Equal(t, ".pdf", NormalizeExtension(" pdf "))
	assert.Equal(t, ".tar.gz", NormalizeExtension(".tar.gz"))
	assert.Equal(t, "", NormalizeExtension(""))
	assert.Equal(t, "", NormalizeExtension("  "))
}

func TestIsCorruptionError(t *testing.T) {
	patterns := []string{"database disk image is malformed", "file is not a database"}

	err := fmt.Errorf("query failed: Database Disk Image Is Malformed")
	assert.True(t, IsCorruptionError(err, patterns))

	assert.False(t, IsCorruptionError(errors.New("connection refused"), patterns))
	assert.False(t, IsCorruptionError(nil, patterns))
}

func TestDimensionError(t *testing.T) {
	err := &DimensionError{Want: 768, Got: 384}
	assert.Contains(t, err.Error(), "768")
	assert.Contains(t, err.Error(), "384")
}

func TestFatalCorruptionError_Unwrap(t *testing.T) {
	cause := errors.New("malformed database schema")
	err := &FatalCorruptionError{Path: "/tmp/db", Cause: cause, Remediation: "re-index"}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/tmp/db")
	assert.Contains(t, err.Error(), "re-index")
}
