package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-cli/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "acquire", "county", "etl", "migrate", "status"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "property-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestETLCommand_Flags(t *testing.T) {
	flag := etlCmd.Flags().Lookup("snapshot")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestAcquireCommand_RequiresAddress(t *testing.T) {
	assert.Error(t, acquireCmd.Args(acquireCmd, nil))
	assert.NoError(t, acquireCmd.Args(acquireCmd, []string{"123 Main St, Springfield, IL"}))
}

func TestCountyCommand_Flags(t *testing.T) {
	flag := countyCmd.Flags().Lookup("concurrency")
	require.NotNil(t, flag)
	assert.Equal(t, "4", flag.DefValue)
	assert.Error(t, countyCmd.Args(countyCmd, nil))
}

func TestFormatReport(t *testing.T) {
	var buf bytes.Buffer
	formatReport(&buf, &model.AcquisitionReport{
		PropertyID:       7,
		CanonicalAddress: "123 MAIN ST SPRINGFIELD IL 62701",
		Results: []model.SourceResult{
			{Source: "Zillow", Outcome: model.OutcomeIngested, SnapshotID: 11, Duration: 1500 * time.Millisecond},
			{Source: "Redfin", Outcome: model.OutcomeSourceError, Reason: "timed out after 30s"},
			{Source: "Movoto", Outcome: model.OutcomeNoEndpoint, Reason: "no acquirer registered"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Property 7  123 MAIN ST SPRINGFIELD IL 62701")
	assert.Contains(t, out, "timed out after 30s")
	assert.Contains(t, out, "ingested=1 source-error=1 no-endpoint=1")
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, statusCounts(map[model.SnapshotStatus]int{model.SnapshotPending: 2}), model.DefaultSources())

	out := buf.String()
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "processed")
	assert.Contains(t, out, "https://www.zillow.com")
}
