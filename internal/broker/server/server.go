// Package server runs the broker side of the protocol: it consumes
// commands from the shared bus topic, consults the cleanup controller
// and the metadata catalog, and answers on each request's reply topic.
package server

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/filebroker/internal/broker/bus"
	"github.com/Laisky/filebroker/internal/broker/catalog"
	"github.com/Laisky/filebroker/internal/broker/diskcleanup"
	"github.com/Laisky/filebroker/internal/broker/protocol"
	"github.com/Laisky/filebroker/library/log"
)

// PublicFilesDir is the storage subdirectory shared with every user.
const PublicFilesDir = "public"

// Config holds the broker server wiring.
type Config struct {
	// Topic is the shared bus topic the broker listens on.
	Topic string
	// CacheDir and StorageDir are the physical roots of the two areas.
	CacheDir   string
	StorageDir string
	// BaseURL prefixes every granted transfer location.
	BaseURL string
	// Workers bounds concurrent command handling.
	Workers int
}

// Server dispatches broker commands.
type Server struct {
	bus     bus.Bus
	catalog *catalog.Catalog
	cleanup *diskcleanup.Manager
	cfg     Config
	logger  logSDK.Logger
}

// New creates a broker server.
func New(b bus.Bus, cat *catalog.Catalog, cleanup *diskcleanup.Manager, cfg Config) (*Server, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if cleanup == nil {
		return nil, errors.New("cleanup manager is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	return &Server{
		bus:     b,
		catalog: cat,
		cleanup: cleanup,
		cfg:     cfg,
		logger:  log.Logger.Named("broker_server"),
	}, nil
}

// Run consumes commands until the context is done.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, s.cfg.Topic)
	if err != nil {
		return errors.Wrap(err, "subscribe broker topic")
	}
	defer func() {
		_ = sub.Close()
	}()

	s.logger.Info("broker server listening", zap.String("topic", s.cfg.Topic))

	var pool errgroup.Group
	pool.SetLimit(s.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			_ = pool.Wait()
			return errors.Wrap(ctx.Err(), "broker server stopped")
		case payload, ok := <-sub.C():
			if !ok {
				_ = pool.Wait()
				return nil
			}
			pool.Go(func() error {
				s.handle(ctx, payload)
				return nil
			})
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		s.logger.Warn("drop malformed command", zap.Error(err))
		return
	}

	reply := s.dispatch(ctx, cmd)
	if reply == nil || cmd.ReplyTo == "" {
		return
	}

	replyPayload, err := protocol.EncodeReply(reply)
	if err != nil {
		s.logger.Error("encode reply", zap.Error(err), zap.String("kind", string(cmd.Kind)))
		return
	}
	if err := s.bus.Publish(ctx, cmd.ReplyTo, replyPayload); err != nil {
		s.logger.Error("publish reply", zap.Error(err), zap.String("kind", string(cmd.Kind)))
	}
}

// dispatch routes a command to its handler. The command set is closed;
// an unknown kind is logged and left unanswered so the sender times out.
func (s *Server) dispatch(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	switch cmd.Kind {
	case protocol.KindNewURLRequest:
		return s.handleNewURL(ctx, cmd)
	case protocol.KindGetURL:
		return s.handleGetURL(ctx, cmd)
	case protocol.KindIsAvailable:
		return s.handleIsAvailable(cmd)
	case protocol.KindMoveFromCacheToStorage:
		return s.handleMove(ctx, cmd)
	case protocol.KindDiskSpaceRequest:
		return s.handleDiskSpace(ctx, cmd)
	case protocol.KindStoreSession:
		return s.handleStoreSession(ctx, cmd)
	case protocol.KindListSessions:
		return s.handleListSessions(ctx, cmd)
	case protocol.KindRemoveSession:
		return s.handleRemoveSession(ctx, cmd)
	case protocol.KindPublicFilesRequest:
		return s.handlePublicFiles()
	case protocol.KindOperationSuccessful, protocol.KindOperationFailed:
		// ack kinds are reply-only
		s.logger.Warn("ack kind received as command", zap.String("kind", string(cmd.Kind)))
		return nil
	default:
		s.logger.Warn("unknown command kind", zap.String("kind", string(cmd.Kind)))
		return nil
	}
}

// handleNewURL grants a write location. Cache-area writes negotiate
// space first; storage-area writes are recorded in the catalog at
// upload-accept time, when the size is known.
func (s *Server) handleNewURL(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	if !cmd.Area.Valid() || cmd.FileID == "" {
		return &protocol.Reply{}
	}

	if cmd.Area == protocol.AreaCache && cmd.Size > 0 {
		granted, err := s.cleanup.HandleSpaceRequest(ctx, cmd.Size, true)
		if err != nil {
			s.logger.Error("space request", zap.Error(err))
			return &protocol.Reply{}
		}
		if !granted {
			return &protocol.Reply{}
		}
	}

	return &protocol.Reply{URL: s.location(cmd.Area, cmd.FileID, cmd.Compressed)}
}

// handleGetURL resolves an existing blob, touching its catalog record
// when it lives in permanent storage.
func (s *Server) handleGetURL(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	for _, area := range []protocol.Area{protocol.AreaStorage, protocol.AreaCache} {
		for _, compressed := range []bool{false, true} {
			if !s.blobExists(area, cmd.FileID, compressed) {
				continue
			}

			if area == protocol.AreaStorage {
				if err := s.catalog.MarkFileAccessed(ctx, cmd.FileID); err != nil {
					s.logger.Warn("touch file", zap.Error(err), zap.String("file_id", cmd.FileID))
				}
			}
			return &protocol.Reply{URL: s.location(area, cmd.FileID, compressed)}
		}
	}

	return &protocol.Reply{}
}

func (s *Server) handleIsAvailable(cmd *protocol.Command) *protocol.Reply {
	if !cmd.Area.Valid() {
		return protocol.BoolReply(false)
	}

	available := s.blobExists(cmd.Area, cmd.FileID, false) ||
		s.blobExists(cmd.Area, cmd.FileID, true)
	return protocol.BoolReply(available)
}

// handleMove promotes a cache blob into permanent storage and records it
// in the catalog.
func (s *Server) handleMove(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	src := filepath.Join(s.cfg.CacheDir, cmd.FileID)
	info, err := os.Stat(src)
	if err != nil {
		s.logger.Warn("move source missing", zap.Error(err), zap.String("file_id", cmd.FileID))
		return protocol.BoolReply(false)
	}

	dest := filepath.Join(s.cfg.StorageDir, cmd.FileID)
	if err := os.Rename(src, dest); err != nil {
		s.logger.Error("promote cache file", zap.Error(err), zap.String("file_id", cmd.FileID))
		return protocol.BoolReply(false)
	}

	if err := s.catalog.AddFile(ctx, cmd.FileID, info.Size()); err != nil {
		s.logger.Error("record promoted file", zap.Error(err), zap.String("file_id", cmd.FileID))
		return protocol.BoolReply(false)
	}

	return protocol.BoolReply(true)
}

func (s *Server) handleDiskSpace(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	granted, err := s.cleanup.HandleSpaceRequest(ctx, cmd.Size, true)
	if err != nil {
		s.logger.Error("space request", zap.Error(err))
		return protocol.BoolReply(false)
	}

	return protocol.BoolReply(granted)
}

// handleStoreSession records the session row and one membership link per
// referenced data file.
func (s *Server) handleStoreSession(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	sessionID := locationID(cmd.SessionLocation)
	if sessionID == "" || cmd.SessionName == "" {
		return protocol.AckReply(false)
	}

	if err := s.catalog.AddSession(ctx, cmd.Username, cmd.SessionName, sessionID); err != nil {
		s.logger.Error("store session", zap.Error(err), zap.String("session", sessionID))
		return protocol.AckReply(false)
	}

	// The manifest blob was uploaded before this command, so its true
	// size is on disk now.
	var manifestSize int64
	if info, err := os.Stat(filepath.Join(s.cfg.StorageDir, sessionID)); err == nil {
		manifestSize = info.Size()
	} else if info, err := os.Stat(filepath.Join(s.cfg.StorageDir, sessionID+protocol.CompressedSuffix)); err == nil {
		manifestSize = info.Size()
	} else {
		s.logger.Warn("session manifest missing on disk", zap.String("session", sessionID))
	}
	if err := s.catalog.UpsertFile(ctx, sessionID, manifestSize); err != nil {
		s.logger.Error("record session manifest", zap.Error(err), zap.String("session", sessionID))
		return protocol.AckReply(false)
	}

	for _, fileID := range protocol.SplitIDs(cmd.FileIDs) {
		if err := s.catalog.LinkFileToSession(ctx, fileID, sessionID); err != nil {
			s.logger.Error("link session file",
				zap.Error(err), zap.String("session", sessionID), zap.String("file_id", fileID))
			return protocol.AckReply(false)
		}
	}

	return protocol.AckReply(true)
}

func (s *Server) handleListSessions(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	entries, err := s.catalog.ListSessions(ctx, cmd.Username)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err), zap.String("username", cmd.Username))
		return &protocol.Reply{}
	}

	names := make([]string, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
		ids = append(ids, entry.UUID)
	}

	return &protocol.Reply{
		Names: protocol.JoinIDs(names),
		IDs:   protocol.JoinIDs(ids),
	}
}

// handleRemoveSession removes the catalog rows and then the underlying
// bytes of every file the removal orphaned.
func (s *Server) handleRemoveSession(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	sessionID := locationID(cmd.SessionLocation)
	if sessionID == "" {
		return protocol.AckReply(false)
	}

	removed, err := s.catalog.RemoveSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("remove session", zap.Error(err), zap.String("session", sessionID))
		return protocol.AckReply(false)
	}

	for _, fileID := range removed {
		path := filepath.Join(s.cfg.StorageDir, fileID)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			// catalog rows are already gone; the bytes will be caught by a
			// manual sweep
			s.logger.Error("delete stored file", zap.Error(err), zap.String("file_id", fileID))
		}
	}

	return protocol.AckReply(true)
}

func (s *Server) handlePublicFiles() *protocol.Reply {
	dirEntries, err := os.ReadDir(filepath.Join(s.cfg.StorageDir, PublicFilesDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("read public files dir", zap.Error(err))
		}
		return &protocol.Reply{URLs: []string{}}
	}

	urls := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		urls = append(urls, s.cfg.BaseURL+"/"+string(protocol.AreaStorage)+
			"/"+PublicFilesDir+"/"+entry.Name())
	}

	return &protocol.Reply{URLs: urls}
}

func (s *Server) location(area protocol.Area, fileID string, compressed bool) string {
	location := s.cfg.BaseURL + "/" + string(area) + "/" + fileID
	if compressed {
		location += protocol.CompressedSuffix
	}
	return location
}

func (s *Server) areaDir(area protocol.Area) string {
	if area == protocol.AreaCache {
		return s.cfg.CacheDir
	}
	return s.cfg.StorageDir
}

func (s *Server) blobExists(area protocol.Area, fileID string, compressed bool) bool {
	name := fileID
	if compressed {
		name += protocol.CompressedSuffix
	}

	info, err := os.Stat(filepath.Join(s.areaDir(area), name))
	return err == nil && info.Mode().IsRegular()
}

// locationID extracts the blob id from a transfer location, undoing the
// compression marker when present.
func locationID(location string) string {
	if location == "" {
		return ""
	}
	return strings.TrimSuffix(path.Base(location), protocol.CompressedSuffix)
}
