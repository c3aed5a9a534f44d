package librelink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDump(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestOpenDumpAcceptsEnvelopeAndBareData(t *testing.T) {
	graph := writeDump(t, "graph.json", `{"status":0,"data":{
		"connection":{"patientId":"p1","glucoseMeasurement":{"Timestamp":"8/16/2023 10:16:34 AM","Value":6.5}},
		"graphData":[{"Timestamp":"8/16/2023 9:01:34 AM","Value":5.1},{"Timestamp":"8/16/2023 9:16:34 AM","Value":5.4}]}}`)
	logbook := writeDump(t, "logbook.json", `[{"Timestamp":"8/15/2023 7:00:00 PM","Value":9.9}]`)

	d, err := OpenDump(graph, logbook)
	require.NoError(t, err)
	ctx := context.Background()

	latest, err := d.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "8/16/2023 10:16:34 AM", latest.Timestamp)

	live, err := d.LiveFeed(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)

	book, err := d.Logbook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 1)
	require.Equal(t, "9.9", book[0].Value.Decimal.String())
}

func TestOpenDumpWithoutGraphHasNoCurrentReading(t *testing.T) {
	d, err := OpenDump("", "")
	require.NoError(t, err)

	_, err = d.Latest(context.Background())
	require.True(t, errors.Is(err, ErrNoCurrentReading))

	live, err := d.LiveFeed(context.Background())
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestOpenDumpRejectsGarbage(t *testing.T) {
	_, err := OpenDump(writeDump(t, "graph.json", "not json"), "")
	require.Error(t, err)

	_, err = OpenDump(filepath.Join(t.TempDir(), "missing.json"), "")
	require.Error(t, err)
}
