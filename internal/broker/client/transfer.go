package client

import (
	"context"
	"io"
	"net/http"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/Laisky/zap"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zlib"

	"github.com/Laisky/filebroker/internal/broker/protocol"
)

// firstByteInitialInterval seeds the capped exponential poll that absorbs
// transport-level setup latency before a download produces bytes.
const firstByteInitialInterval = 10 * time.Millisecond

// upload streams the payload to the given location. The payload is
// zlib-compressed when the location carries the compression marker, and
// sent with a known content length unless chunked transfer is enabled.
func (c *Client) upload(ctx context.Context, location string, r io.Reader, size int64) error {
	body := r
	if protocol.IsCompressed(location) {
		pr, pw := io.Pipe()
		go func() {
			zw := zlib.NewWriter(pw)
			if _, err := io.Copy(zw, r); err != nil {
				_ = pw.CloseWithError(errors.Wrap(err, "compress payload"))
				return
			}
			if err := zw.Close(); err != nil {
				_ = pw.CloseWithError(errors.Wrap(err, "flush compressed payload"))
				return
			}
			_ = pw.Close()
		}()
		body = pr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, body)
	if err != nil {
		return NewError(ErrCodeTransportError, errors.Wrap(err, "build upload request").Error())
	}
	if !c.useChunked && !protocol.IsCompressed(location) {
		// a known length lets the server reject oversized uploads early
		req.ContentLength = size
	}

	resp, err := c.httpcli.Do(req)
	if err != nil {
		return NewError(ErrCodeTransportError, errors.Wrap(err, "upload payload").Error())
	}
	defer gutils.CloseWithLog(resp.Body, c.logger)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewError(ErrCodeTransportError,
			errors.Errorf("upload rejected: %s", resp.Status).Error())
	}

	return nil
}

// download opens the payload at location, polling briefly with capped
// exponential backoff until the transfer endpoint starts serving it.
// Compressed payloads are wrapped in a decompressor transparently.
func (c *Client) download(ctx context.Context, location string) (io.ReadCloser, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build download request"))
		}

		resp, err = c.httpcli.Do(req) //nolint:bodyclose // closed below or by caller
		if err != nil {
			return errors.Wrap(err, "open download stream")
		}
		if resp.StatusCode != http.StatusOK {
			gutils.CloseWithLog(resp.Body, c.logger)
			return errors.Errorf("download not ready: %s", resp.Status)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = firstByteInitialInterval
	bo.MaxElapsedTime = c.quickTimeout
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, NewError(ErrCodeTransportError, err.Error())
	}

	if !protocol.IsCompressed(location) {
		return resp.Body, nil
	}

	zr, err := zlib.NewReader(resp.Body)
	if err != nil {
		gutils.CloseWithLog(resp.Body, c.logger)
		return nil, NewError(ErrCodeTransportError,
			errors.Wrap(err, "open decompressor").Error())
	}

	return &decompressedStream{zr: zr, raw: resp.Body}, nil
}

// decompressedStream closes both the decompressor and the wire stream.
type decompressedStream struct {
	zr  io.ReadCloser
	raw io.ReadCloser
}

func (s *decompressedStream) Read(p []byte) (int, error) {
	return s.zr.Read(p)
}

func (s *decompressedStream) Close() error {
	zErr := s.zr.Close()
	rawErr := s.raw.Close()
	if zErr != nil {
		return errors.Wrap(zErr, "close decompressor")
	}
	if rawErr != nil {
		return errors.Wrap(rawErr, "close stream")
	}
	return nil
}

// CheckFile probes whether the payload at location is still present at
// the storage endpoint itself, without a broker round trip. Best effort:
// any transport error means "not present", never an error.
func (c *Client) CheckFile(ctx context.Context, location string, size int64) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, location, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpcli.Do(req)
	if err != nil {
		c.logger.Debug("check file probe failed",
			zap.String("location", location), zap.Error(err))
		return false
	}
	defer gutils.CloseWithLog(resp.Body, c.logger)

	// content length and checksum verification would go here
	return resp.StatusCode == http.StatusOK
}
