package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashCommand(t *testing.T) {
	out, err := execute(t, "hash", "property_1;tenant_0;type_error;interface_api")
	require.NoError(t, err)
	assert.Equal(t, "2ae1fd9eae05bf85", strings.TrimSpace(out))
}

func TestHashCommandRequiresOneArg(t *testing.T) {
	_, err := execute(t, "hash")
	assert.Error(t, err)
}

func TestLoadThresholdsRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "load-thresholds", "--count", "0")
	assert.ErrorContains(t, err, "--count must be positive")

	_, err = execute(t, "load-thresholds", "--threshold", "-5")
	assert.ErrorContains(t, err, "--threshold must not be negative")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/alerts.yaml", "hash", "x")
	assert.Error(t, err)
}

func TestSyntheticRecords(t *testing.T) {
	records := syntheticRecords(3, 50)
	require.Len(t, records, 3)

	for i, rec := range records {
		assert.Equal(t, models.HashIdentity(models.SyntheticIdentity(i+1)), rec.Digest, "record %d", i)
		assert.Equal(t, int64(50), rec.Threshold)
		assert.Zero(t, rec.BreachCount)
	}
	assert.Equal(t, "2ae1fd9eae05bf85:50:0", records[0].Format())
}
