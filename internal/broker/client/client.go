// Package client implements the client-side façade of the broker
// protocol: negotiating transfer locations, moving bytes, and managing
// remote session records over the message bus.
package client

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/filebroker/internal/broker/bus"
	"github.com/Laisky/filebroker/internal/broker/protocol"
	"github.com/Laisky/filebroker/library/log"
)

const (
	// QuickTimeout is the default bound on metadata-only exchanges.
	QuickTimeout = 5 * time.Second
	// SpaceRequestTimeout is the default bound on space negotiation, which
	// may wait for a cleanup pass on the broker side.
	SpaceRequestTimeout = 300 * time.Second
	// MoveTimeout is the default bound on cache-to-storage promotion,
	// which may copy very large blobs.
	MoveTimeout = 24 * time.Hour

	// sessionManifestSizeHint is assumed to be enough for any serialized
	// session manifest.
	sessionManifestSizeHint = 1024 * 1024
)

// RemoteSession is one entry of a remote session listing.
type RemoteSession struct {
	Name string
	ID   string
}

// Client talks to the file broker. Used by the interactive client,
// compute workers, or anyone who needs to transfer files.
//
// CheckFile is only meant to verify that a cached copy is still present
// at the broker; deciding whether content must be re-uploaded is the
// caller's job.
type Client struct {
	correlator *bus.Correlator
	httpcli    *http.Client
	logger     logSDK.Logger

	// localRoot, when set, is a broker storage path shared with this
	// process, enabling move/symlink shortcuts instead of network
	// transfers.
	localRoot      string
	useChunked     bool
	useCompression bool
	username       string

	quickTimeout time.Duration
	spaceTimeout time.Duration
	moveTimeout  time.Duration
}

// Option configures the client.
type Option func(*Client) error

// WithLocalRoot enables the same-filesystem shortcut for uploads and
// downloads.
func WithLocalRoot(path string) Option {
	return func(c *Client) error {
		c.localRoot = path
		return nil
	}
}

// WithChunkedTransfer streams uploads without a known content length.
func WithChunkedTransfer(enabled bool) Option {
	return func(c *Client) error {
		c.useChunked = enabled
		return nil
	}
}

// WithCompression requests compressed transfer locations and compresses
// uploaded payloads. Compressed blobs never take the local shortcut.
func WithCompression(enabled bool) Option {
	return func(c *Client) error {
		c.useCompression = enabled
		return nil
	}
}

// WithUsername attaches the calling user to session operations.
func WithUsername(username string) Option {
	return func(c *Client) error {
		if username == "" {
			return errors.New("username cannot be empty")
		}
		c.username = username
		return nil
	}
}

// WithTimeouts overrides the three exchange timeout tiers: quick for
// metadata-only calls, space for quota negotiation, move for
// cache-to-storage promotion.
func WithTimeouts(quick, space, move time.Duration) Option {
	return func(c *Client) error {
		if quick <= 0 || space <= 0 || move <= 0 {
			return errors.New("timeouts must be positive")
		}
		c.quickTimeout = quick
		c.spaceTimeout = space
		c.moveTimeout = move
		return nil
	}
}

// WithHTTPClient overrides the transfer HTTP client.
func WithHTTPClient(httpcli *http.Client) Option {
	return func(c *Client) error {
		if httpcli == nil {
			return errors.New("http client cannot be nil")
		}
		c.httpcli = httpcli
		return nil
	}
}

// New creates a broker client over the given correlator.
func New(correlator *bus.Correlator, opts ...Option) (*Client, error) {
	if correlator == nil {
		return nil, errors.New("correlator is required")
	}

	c := &Client{
		correlator:   correlator,
		logger:       log.Logger.Named("broker_client"),
		quickTimeout: QuickTimeout,
		spaceTimeout: SpaceRequestTimeout,
		moveTimeout:  MoveTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if c.httpcli == nil {
		httpcli, err := gutils.NewHTTPClient()
		if err != nil {
			return nil, errors.Wrap(err, "new http client")
		}
		c.httpcli = httpcli
	}

	return c, nil
}

// exchange performs one request/reply round trip with the given timeout.
func (c *Client) exchange(ctx context.Context, cmd *protocol.Command, timeout time.Duration) (*protocol.Reply, error) {
	cmd.Username = c.username

	pending, err := c.correlator.Send(ctx, cmd)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	reply, err := pending.Await(timeout)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return reply, nil
}

// AddSessionFile reserves a storage-area location sized for a session
// manifest and returns it.
func (c *Client) AddSessionFile(ctx context.Context) (string, error) {
	// quota checks are not needed for session manifests
	location, err := c.newLocation(ctx,
		gutils.UUID7(), protocol.AreaStorage, sessionManifestSizeHint)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if location == "" {
		return "", NewError(ErrCodeBrokerUnavailable, "filebroker is not responding")
	}

	return location, nil
}

// AddFile uploads size bytes from r under dataID. For the cache area the
// broker is asked for disk space first; when the quota cannot be
// satisfied the call fails with INSUFFICIENT_SPACE.
func (c *Client) AddFile(ctx context.Context, dataID string, area protocol.Area, r io.Reader, size int64) error {
	if area == protocol.AreaCache && size > 0 {
		granted, err := c.RequestDiskSpace(ctx, size)
		if err != nil {
			return errors.WithStack(err)
		}
		if !granted {
			return NewError(ErrCodeInsufficientSpace, "not enough disk space at the filebroker")
		}
	}

	location, err := c.newLocation(ctx, dataID, area, size)
	if err != nil {
		return errors.WithStack(err)
	}
	if location == "" {
		return NewError(ErrCodeBrokerUnavailable, "filebroker is not responding")
	}

	c.logger.Debug("uploading new file", zap.String("location", location))
	if err := c.upload(ctx, location, r, size); err != nil {
		return errors.WithStack(err)
	}
	c.logger.Debug("successfully uploaded", zap.String("location", location))

	return nil
}

// AddLocalFile uploads the file at path under dataID into the cache
// area. When the broker's storage is mounted locally and compression is
// off, the file is moved in place, falling back to a plain copy when the
// rename crosses filesystems.
func (c *Client) AddLocalFile(ctx context.Context, dataID string, area protocol.Area, path string) error {
	if area != protocol.AreaCache {
		return errors.Errorf("area %s not supported for local files", area)
	}

	info, err := os.Stat(path)
	if err != nil {
		return NewError(ErrCodeTransportError, errors.Wrapf(err, "stat %s", path).Error())
	}

	if info.Size() > 0 {
		granted, err := c.RequestDiskSpace(ctx, info.Size())
		if err != nil {
			return errors.WithStack(err)
		}
		if !granted {
			return NewError(ErrCodeInsufficientSpace, "not enough disk space at the filebroker")
		}
	}

	location, err := c.newLocation(ctx, dataID, protocol.AreaCache, info.Size())
	if err != nil {
		return errors.WithStack(err)
	}
	if location == "" {
		return NewError(ErrCodeBrokerUnavailable, "filebroker is not responding")
	}

	// move/copy locally when possible, otherwise upload
	if c.localRoot != "" && !c.useCompression {
		return errors.WithStack(c.moveIntoLocalRoot(path, dataID))
	}

	f, err := os.Open(path)
	if err != nil {
		return NewError(ErrCodeTransportError, errors.Wrapf(err, "open %s", path).Error())
	}
	defer gutils.CloseWithLog(f, c.logger)

	return errors.WithStack(c.upload(ctx, location, f, info.Size()))
}

// GetFile resolves dataID and opens the payload for reading. Compressed
// payloads are decompressed transparently. The returned stream must be
// closed by the caller.
func (c *Client) GetFile(ctx context.Context, dataID string) (io.ReadCloser, error) {
	location, err := c.lookupLocation(ctx, dataID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if location == "" {
		return nil, NewError(ErrCodeNotFound, "file not found: "+dataID)
	}

	stream, err := c.download(ctx, location)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return stream, nil
}

// GetFileTo fetches dataID into destPath. When the blob is visible on a
// shared local path it is symlinked, falling back to a copy; otherwise
// it is downloaded.
func (c *Client) GetFileTo(ctx context.Context, dataID, destPath string) error {
	if c.localRoot != "" {
		// compressed blobs carry a location suffix and never match here
		if err := c.linkFromLocalRoot(dataID, destPath); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return errors.WithStack(err)
		}
	}

	stream, err := c.GetFile(ctx, dataID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer gutils.CloseWithLog(stream, c.logger)

	dest, err := os.Create(destPath)
	if err != nil {
		return NewError(ErrCodeTransportError, errors.Wrapf(err, "create %s", destPath).Error())
	}
	defer gutils.CloseWithLog(dest, c.logger)

	if _, err := io.Copy(dest, stream); err != nil {
		return NewError(ErrCodeTransportError, errors.Wrap(err, "download to file").Error())
	}

	return nil
}

// IsAvailable asks whether dataID exists in the given area. A missing
// reply is a hard failure here, not a negative answer: callers depend on
// this check being authoritative.
func (c *Client) IsAvailable(ctx context.Context, dataID string, area protocol.Area) (bool, error) {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:   protocol.KindIsAvailable,
		FileID: dataID,
		Area:   area,
	}, c.quickTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return false, errors.Wrap(err, "timeout while waiting for the filebroker")
		}
		return false, errors.WithStack(err)
	}

	return reply.Bool(), nil
}

// MoveFromCacheToStorage promotes a cache entry to permanent storage.
// The broker may need to copy a very large blob, so the wait is bounded
// in hours.
func (c *Client) MoveFromCacheToStorage(ctx context.Context, dataID string) (bool, error) {
	c.logger.Debug("moving from cache to storage", zap.String("data_id", dataID))

	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:   protocol.KindMoveFromCacheToStorage,
		FileID: dataID,
	}, c.moveTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return false, errors.Wrap(err, "timeout while waiting for the filebroker")
		}
		return false, errors.WithStack(err)
	}

	return reply.Bool(), nil
}

// RequestDiskSpace asks the broker to guarantee size bytes of cache
// space. A timeout is treated as a denial, not an error.
func (c *Client) RequestDiskSpace(ctx context.Context, size int64) (bool, error) {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind: protocol.KindDiskSpaceRequest,
		Size: size,
	}, c.spaceTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			c.logger.Warn("did not get response for space request")
			return false, nil
		}
		return false, errors.WithStack(err)
	}

	return reply.Bool(), nil
}

// SaveRemoteSession persists session metadata at the broker: the session
// name, its manifest location and the ids of every referenced data file.
func (c *Client) SaveRemoteSession(ctx context.Context, name, manifestLocation string, dataIDs []string) error {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:            protocol.KindStoreSession,
		SessionName:     name,
		SessionLocation: manifestLocation,
		FileIDs:         protocol.JoinIDs(dataIDs),
	}, c.quickTimeout)
	if err != nil {
		return errors.WithStack(err)
	}
	if reply == nil {
		return NewError(ErrCodeBrokerUnavailable, "filebroker is not responding")
	}
	if reply.Kind != protocol.KindOperationSuccessful {
		return NewError(ErrCodeProtocolError, "failed to save session metadata remotely")
	}

	return nil
}

// ListRemoteSessions returns the sessions visible to the user. A
// malformed or length-mismatched reply yields an empty listing rather
// than an error.
func (c *Client) ListRemoteSessions(ctx context.Context) ([]RemoteSession, error) {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind: protocol.KindListSessions,
	}, c.quickTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return nil, NewError(ErrCodeBrokerUnavailable, "server failed to list sessions")
		}
		return nil, errors.WithStack(err)
	}

	names := protocol.SplitIDs(reply.Names)
	ids := protocol.SplitIDs(reply.IDs)
	if len(names) == 0 || len(ids) == 0 || len(names) != len(ids) {
		return []RemoteSession{}, nil
	}

	sessions := make([]RemoteSession, 0, len(names))
	for i := range names {
		sessions = append(sessions, RemoteSession{Name: names[i], ID: ids[i]})
	}

	return sessions, nil
}

// RemoveRemoteSession removes the session stored at manifestLocation,
// with the same acknowledgement contract as SaveRemoteSession.
func (c *Client) RemoveRemoteSession(ctx context.Context, manifestLocation string) error {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:            protocol.KindRemoveSession,
		SessionLocation: manifestLocation,
	}, c.quickTimeout)
	if err != nil {
		return errors.WithStack(err)
	}
	if reply == nil {
		return NewError(ErrCodeBrokerUnavailable, "filebroker is not responding")
	}
	if reply.Kind != protocol.KindOperationSuccessful {
		return NewError(ErrCodeProtocolError, "failed to remove session")
	}

	return nil
}

// PublicFiles lists the locations of publicly shared files.
func (c *Client) PublicFiles(ctx context.Context) ([]string, error) {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind: protocol.KindPublicFilesRequest,
	}, c.quickTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	return reply.URLs, nil
}

// newLocation reserves a write location at the broker. An empty string
// means the broker denied the request or did not answer in time.
func (c *Client) newLocation(ctx context.Context, dataID string, area protocol.Area, size int64) (string, error) {
	c.logger.Debug("requesting new location",
		zap.String("data_id", dataID), zap.String("area", string(area)))

	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:       protocol.KindNewURLRequest,
		FileID:     dataID,
		Area:       area,
		Size:       size,
		Compressed: c.useCompression,
	}, c.spaceTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return "", nil
		}
		return "", errors.WithStack(err)
	}

	c.logger.Debug("new location", zap.String("location", reply.URL))
	return reply.URL, nil
}

// lookupLocation resolves an existing blob to its location. An empty
// string means the broker knows no such blob.
func (c *Client) lookupLocation(ctx context.Context, dataID string) (string, error) {
	reply, err := c.exchange(ctx, &protocol.Command{
		Kind:   protocol.KindGetURL,
		FileID: dataID,
	}, c.quickTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return "", nil
		}
		return "", errors.WithStack(err)
	}

	return reply.URL, nil
}
