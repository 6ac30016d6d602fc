package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flough"
	"github.com/petrijr/flough/pkg/config"
)

func run(t *testing.T, ctx context.Context, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(ctx))
	return out.String()
}

func decodeRecords(t *testing.T, s string) []*flough.FlowRecord {
	t.Helper()
	var recs []*flough.FlowRecord
	require.NoError(t, json.Unmarshal([]byte(s), &recs))
	return recs
}

func TestAdminCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uri := "file:" + filepath.Join(t.TempDir(), "admin.db")
	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.URI = uri
	cfg.Log.Level = "error"

	b, err := flough.NewBundle(ctx, cfg)
	require.NoError(t, err)
	flough.Define("noop").
		Handler(func(ctx context.Context, f flough.Flow) (any, error) {
			if err := f.Exec(1, func(ctx context.Context, a flough.Ancestors) (any, error) { return "done", nil }); err != nil {
				return nil, err
			}
			_, err := f.End(ctx)
			return "finished", err
		}).
		MustRegister(b.Engine)
	f, err := b.Engine.Start(ctx, "noop", map[string]any{"customer": "ada"})
	require.NoError(t, err)
	_, err = b.Engine.Wait(ctx, f.UUID())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	flags := []string{"--store-driver", "sqlite", "--store-uri", uri, "--log-level", "error"}
	cli := func(args ...string) string { return run(t, ctx, append(append([]string{}, args...), flags...)...) }

	recs := decodeRecords(t, cli("status", f.UUID()))
	require.Len(t, recs, 1)
	require.True(t, recs[0].IsCompleted)
	require.Equal(t, "finished", recs[0].Result)

	recs = decodeRecords(t, cli("search", "--type", "noop", "--completed"))
	require.Len(t, recs, 1)
	recs = decodeRecords(t, cli("search", "--completed=false"))
	require.Empty(t, recs)

	require.Contains(t, cli("reset", f.UUID(), "1"), "reset "+f.UUID())
	recs = decodeRecords(t, cli("status", f.UUID()))
	require.False(t, recs[0].IsCompleted)
	require.Equal(t, 0, recs[0].StepsTaken)
	require.Nil(t, recs[0].Result)

	require.Contains(t, cli("cancel", f.UUID(), "--reason", "operator"), "cancelled")
	recs = decodeRecords(t, cli("search", "--cancelled"))
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].Logs, "cancelled: operator")

	require.Contains(t, cli("recover"), "recovered 0 tasks")
}

func TestStatusUnknownFlow(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"status", "7b0c1f7e-9f43-4d1b-8c43-0c5f8f0e6a11", "--log-level", "error"})
	require.ErrorIs(t, root.Execute(), flough.ErrFlowNotFound)
}
