package socketrpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
)

func startTestServer(t *testing.T, ctl Controller) string {
	t.Helper()
	// Unix socket paths are length limited; t.TempDir can exceed it on macOS.
	dir, err := os.MkdirTemp("", "snapsync")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "test.sock")
	log, _ := test.NewNullLogger()
	srv := NewServer(sockPath, ctl, log)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return sockPath
}

func dialTest(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundtrip(t *testing.T) {
	ctx := context.Background()
	c := dialTest(t, startTestServer(t, &stubController{}))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LinkCount)

	settings, err := c.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daily", settings.Interval)

	interval := "hourly"
	settings, err = c.SaveSettings(ctx, control.SettingsUpdate{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, "hourly", settings.Interval)

	settings, err = c.SetSnapshotID(ctx, "gist-1")
	require.NoError(t, err)
	assert.Equal(t, "gist-1", settings.SnapshotID)

	links, err := c.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://go.dev", links[0].URL)

	wiped, err := c.WipeLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wiped.Deleted)

	ok, err := c.Cancel(ctx, "backup")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupStreamsProgressBeforeResult(t *testing.T) {
	c := dialTest(t, startTestServer(t, &stubController{}))

	var progress []string
	res, err := c.Backup(context.Background(), func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, []string{"Reading links...", "Serialising 2 links..."}, progress)
}

func TestRestoreReportsFailureAsResult(t *testing.T) {
	c := dialTest(t, startTestServer(t, &stubController{}))

	var progress []string
	res, err := c.Restore(context.Background(), func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "failed: snapshot has no files", res.Message)
	assert.Equal(t, []string{"Reading backup file..."}, progress)
}

func TestApplicationErrorSurfacesAsRPCError(t *testing.T) {
	c := dialTest(t, startTestServer(t, &stubController{}))

	_, err := c.Cancel(context.Background(), "everything")
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestSecondServerRefusesLiveSocket(t *testing.T) {
	path := startTestServer(t, &stubController{})

	log, _ := test.NewNullLogger()
	err := NewServer(path, &stubController{}, log).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already listening")
}

func TestStaleSocketIsReplaced(t *testing.T) {
	dir, err := os.MkdirTemp("", "snapsync")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "stale.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Keep the file on close so it looks like a crashed daemon's socket.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	log, _ := test.NewNullLogger()
	srv := NewServer(path, &stubController{}, log)
	require.NoError(t, srv.Start())
	srv.Stop()
}

func TestFileTransferStreamsProgress(t *testing.T) {
	c := dialTest(t, startTestServer(t, &stubController{}))

	var progress []string
	res, err := c.ExportFile(context.Background(), "/tmp/links.json", func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)
	assert.True(t, res.OK())

	res, err = c.ImportFile(context.Background(), "/tmp/links.json", func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)
	assert.Equal(t, model.CategoryRestore, res.Category)
	assert.Equal(t, []string{"Writing export file...", "Importing 2 links..."}, progress)
}

// blockingController never finishes a backup until its context ends.
type blockingController struct {
	stubController
	started chan struct{}
}

func (b *blockingController) Backup(ctx context.Context, _ model.ProgressSink) control.JobResult {
	close(b.started)
	<-ctx.Done()
	return control.JobResult{Category: model.CategoryBackup, Outcome: "cancelled"}
}

func TestClientContextCancelsCall(t *testing.T) {
	ctl := &blockingController{started: make(chan struct{})}
	c := dialTest(t, startTestServer(t, ctl))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Backup(ctx, nil)
		errc <- err
	}()

	<-ctl.started
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return after cancel")
	}
}
