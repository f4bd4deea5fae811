package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/stretchr/testify/assert"
)

func TestExitCodeForMapsDriverErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", &driverError{kind: kindConfig, err: fmt.Errorf("bad profile")}, exitConfigError},
		{"filesystem", &driverError{kind: kindFilesystem, err: fmt.Errorf("disk full")}, exitFilesystemErr},
		{"interrupted", &driverError{kind: kindInterrupted, err: fmt.Errorf("interrupted")}, exitInterrupted},
		{"unwrapped", fmt.Errorf("some other cobra error"), exitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}

func TestClassifyRunErrorDistinguishesConfigFromFilesystem(t *testing.T) {
	wrapped := fmt.Errorf("build task plan: %w", &registry.UnknownTool{Name: "nmap"})
	assert.Equal(t, kindConfig, classifyRunError(wrapped))

	wrapped = fmt.Errorf("persist report: %w", errors.New("permission denied"))
	assert.Equal(t, kindFilesystem, classifyRunError(wrapped))
}

func TestParseWordlistsRejectsMalformedEntries(t *testing.T) {
	out, err := parseWordlists([]string{"common=/usr/share/wordlists/common.txt", "big=/data/big.txt"})
	assert.NoError(t, err)
	assert.Equal(t, "/usr/share/wordlists/common.txt", out["common"])
	assert.Equal(t, "/data/big.txt", out["big"])

	_, err = parseWordlists([]string{"no-equals-sign"})
	assert.Error(t, err)
}

func TestSanitizeForPathReplacesUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "192.168.1.1", sanitizeForPath("192.168.1.1"))
	assert.Equal(t, "http___example.com_path_x_1", sanitizeForPath("http://example.com/path?x=1"))
	assert.Equal(t, "target", sanitizeForPath(""))
}
