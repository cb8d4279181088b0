package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"go.uber.org/zap"
)

var errInvalidAuth = errors.New("first frame is neither sign-in nor sign-up")

// authenticate runs the auth gate on the first frame of a connection. On
// success the connection is registered under the account name and has
// received the banner and its direct-message backlog.
func (s *Server) authenticate(ctx context.Context, conn FrameConn, logger *zap.Logger) (string, bool) {
	first, err := conn.ReadFrame()
	if err != nil {
		logger.Debug("connection closed before authenticating", zap.Error(err))
		return "", false
	}

	req := protocol.ParseAuth(first)
	switch req.Kind {
	case protocol.AuthSignUp:
		err = s.signUp(ctx, conn, req)
	case protocol.AuthSignIn:
		err = s.signIn(ctx, conn, req)
	default:
		err = errInvalidAuth
	}
	s.metrics.RecordAuth(req.Kind.String(), authResult(err))
	if err != nil {
		logger.Info("authentication rejected",
			zap.Stringer("mode", req.Kind),
			zap.String("name", req.Name),
			zap.Error(err))
		return "", false
	}

	s.registry.Register(req.Name, conn)
	logger.Info("authenticated", zap.Stringer("mode", req.Kind), zap.String("name", req.Name))

	s.sendBannerAndBacklog(ctx, conn, req.Name, logger)
	return req.Name, true
}

// signUp always answers with the account-name list before deciding, which
// existing clients depend on.
func (s *Server) signUp(ctx context.Context, conn FrameConn, req protocol.AuthRequest) error {
	if err := s.sendNameList(ctx, conn); err != nil {
		return err
	}
	if req.Password != req.Confirm {
		return database.ErrMismatch
	}
	return s.store.CreateAccount(ctx, req.Name, req.Password, req.Email)
}

// signIn answers with the account-name list and, for a known name, echoes
// the stored password so the client can compare it locally. The server
// still only admits a matching password.
func (s *Server) signIn(ctx context.Context, conn FrameConn, req protocol.AuthRequest) error {
	if err := s.sendNameList(ctx, conn); err != nil {
		return err
	}

	acc, err := s.store.GetAccount(ctx, req.Name)
	if err != nil {
		return err
	}
	if err := s.write(conn, acc.Password); err != nil {
		return err
	}

	_, err = s.store.VerifyCredentials(ctx, req.Name, req.Password)
	return err
}

func (s *Server) sendNameList(ctx context.Context, conn FrameConn) error {
	names, err := s.store.ListAccountNames(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	return s.write(conn, protocol.NameListReply(names))
}

// sendBannerAndBacklog greets the connection and replays undelivered direct
// messages oldest first, one frame each. Replayed messages are marked
// delivered.
func (s *Server) sendBannerAndBacklog(ctx context.Context, conn FrameConn, name string, logger *zap.Logger) {
	if err := s.write(conn, protocol.Banner); err != nil {
		return
	}

	backlog, err := s.store.FetchUndeliveredDirectMessages(ctx, name)
	if err != nil {
		logger.Error("fetch backlog", zap.Error(err))
		return
	}

	delivered := make([]int64, 0, len(backlog))
	for _, m := range backlog {
		if err := s.write(conn, protocol.DirectDelivery(m.Sender, m.Text)); err != nil {
			break
		}
		delivered = append(delivered, m.ID)
	}
	if err := s.store.MarkDirectMessagesDelivered(ctx, delivered); err != nil {
		logger.Error("mark backlog delivered", zap.Error(err))
	}
	if len(delivered) > 0 {
		logger.Debug("backlog replayed", zap.Int("messages", len(delivered)))
	}
}

// write sends one frame on conn. An empty payload is not a frame on a
// stream transport and is skipped.
func (s *Server) write(conn FrameConn, payload string) error {
	if payload == "" {
		return nil
	}
	err := conn.WriteFrame(payload)
	s.metrics.RecordSend(err)
	return err
}

func authResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, database.ErrConflict):
		return "conflict"
	case errors.Is(err, database.ErrNotFound):
		return "not_found"
	case errors.Is(err, database.ErrMismatch):
		return "mismatch"
	case errors.Is(err, errInvalidAuth):
		return "invalid"
	default:
		return "error"
	}
}
