package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/filebroker/internal/broker/protocol"
)

func grantEverything(blobs *blobServer) func(*protocol.Command) *protocol.Reply {
	return func(cmd *protocol.Command) *protocol.Reply {
		switch cmd.Kind {
		case protocol.KindDiskSpaceRequest:
			return protocol.BoolReply(true)
		case protocol.KindNewURLRequest, protocol.KindGetURL:
			return &protocol.Reply{URL: blobs.url("/cache/" + cmd.FileID)}
		}
		return nil
	}
}

func TestAddLocalFileMovesIntoSharedRoot(t *testing.T) {
	t.Parallel()

	sharedRoot := t.TempDir()
	blobs := newBlobServer(t)
	c, _ := newTestClient(t, grantEverything(blobs), WithLocalRoot(sharedRoot))

	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, c.AddLocalFile(context.Background(), "f1", protocol.AreaCache, src))

	// the file moved into the shared root instead of traveling over HTTP
	moved, err := os.ReadFile(filepath.Join(sharedRoot, "f1"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), moved)
	require.NoFileExists(t, src)

	_, uploaded := blobs.blob("/cache/f1")
	require.False(t, uploaded)
}

func TestAddLocalFileUploadsWithoutSharedRoot(t *testing.T) {
	t.Parallel()

	blobs := newBlobServer(t)
	c, _ := newTestClient(t, grantEverything(blobs))

	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, c.AddLocalFile(context.Background(), "f1", protocol.AreaCache, src))

	stored, ok := blobs.blob("/cache/f1")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), stored)
	// the source stays
	require.FileExists(t, src)
}

func TestAddLocalFileRejectsStorageArea(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(cmd *protocol.Command) *protocol.Reply {
		return nil
	})

	err := c.AddLocalFile(context.Background(), "f1", protocol.AreaStorage, "whatever")
	require.Error(t, err)
}

func TestAddLocalFileMissingSource(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(cmd *protocol.Command) *protocol.Reply {
		return nil
	})

	err := c.AddLocalFile(context.Background(), "f1", protocol.AreaCache,
		filepath.Join(t.TempDir(), "nope"))
	require.True(t, IsCode(err, ErrCodeTransportError))
}

func TestGetFileToLinksFromSharedRoot(t *testing.T) {
	t.Parallel()

	sharedRoot := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(sharedRoot, "f1"), []byte("shared"), 0o600))

	c, broker := newTestClient(t, func(cmd *protocol.Command) *protocol.Reply {
		return nil
	}, WithLocalRoot(sharedRoot))

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, c.GetFileTo(context.Background(), "f1", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("shared"), got)

	// served entirely from the shared path, no broker round trip
	require.Empty(t, broker.seen())
}

func TestGetFileToFallsBackToDownload(t *testing.T) {
	t.Parallel()

	blobs := newBlobServer(t)
	blobs.mu.Lock()
	blobs.blobs["/cache/f1"] = []byte("remote")
	blobs.mu.Unlock()

	// shared root exists but does not hold the blob
	c, _ := newTestClient(t, grantEverything(blobs), WithLocalRoot(t.TempDir()))

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, c.GetFileTo(context.Background(), "f1", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("remote"), got)
}
