// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
)

// Handler dispatches host API requests. pipeline.Executor implements
// this interface once per running stage, backed by the store handle
// and manifest data for that invocation.
type Handler interface {
	// Arguments delivers the stage's parameters. Called exactly once
	// per connection; the server does not enforce idempotence itself
	// (the call is idempotent: safe to answer
	// more than once with the same result, not that the server must
	// reject a second call).
	Arguments(ctx context.Context) (ArgumentsResponse, error)

	// Mkdtemp allocates a caller-owned scratch directory.
	Mkdtemp(ctx context.Context, prefix string) (string, error)

	// Source returns a source-type directory.
	Source(ctx context.Context, sourceType string) (string, error)

	// Metadata records structured metadata to attach to the produced
	// object.
	Metadata(ctx context.Context, obj json.RawMessage) error

	// Log records a multiplexed log line from the stage.
	Log(ctx context.Context, stream LogStream, text string) error

	// Exception records a structured failure signal. The stage is
	// expected to exit non-zero afterward.
	Exception(ctx context.Context, kind, message string) error
}

// Server owns a single stage invocation's control channel socket.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger
	listener   net.Listener
}

// ServerConfig configures a new Server.
type ServerConfig struct {
	SocketPath string
	Handler    Handler
	Logger     *slog.Logger
}

// NewServer creates a Server bound to a stage invocation's handler. The
// socket is not created until Serve is called.
func NewServer(config ServerConfig) (*Server, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		socketPath: config.SocketPath,
		handler:    config.Handler,
		logger:     logger,
	}, nil
}

// Serve listens on the socket and handles connections from the stage
// until ctx is canceled or a connection ends. The host API is
// single-threaded per stage: exactly one stage process is expected to
// connect, and Serve accepts a single connection, returning after it
// closes (or ctx is canceled, whichever comes first).
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	defer listener.Close()
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accepting connection: %w", err)
	}
	defer conn.Close()

	return s.handleConnection(ctx, conn)
}

// Close stops accepting connections, releasing the listener without
// waiting for a client. Safe to call after Serve has returned.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) error {
	for {
		request, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		response, err := s.dispatch(ctx, request)
		if err != nil {
			s.logger.Error("host api handler error", "kind", request.Kind, "error", err)
			response = errorMessage(request, err)
		}

		if err := WriteMessage(conn, response); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, request Message) (Message, error) {
	switch request.Kind {
	case KindArguments:
		result, err := s.handler.Arguments(ctx)
		if err != nil {
			return Message{}, err
		}
		return encodeResponse(request, result)

	case KindMkdtemp:
		var req MkdtempRequest
		if err := decodePayload(request.Payload, &req, request.CBOR); err != nil {
			return Message{}, fmt.Errorf("decoding mkdtemp request: %w", err)
		}
		path, err := s.handler.Mkdtemp(ctx, req.Prefix)
		if err != nil {
			return Message{}, err
		}
		return encodeResponse(request, MkdtempResponse{Path: path})

	case KindSource:
		var req SourceRequest
		if err := decodePayload(request.Payload, &req, request.CBOR); err != nil {
			return Message{}, fmt.Errorf("decoding source request: %w", err)
		}
		path, err := s.handler.Source(ctx, req.Type)
		if err != nil {
			return Message{}, err
		}
		return encodeResponse(request, SourceResponse{Path: path})

	case KindMetadata:
		var req MetadataRequest
		if err := decodePayload(request.Payload, &req, request.CBOR); err != nil {
			return Message{}, fmt.Errorf("decoding metadata request: %w", err)
		}
		if err := s.handler.Metadata(ctx, req.Obj); err != nil {
			return Message{}, err
		}
		return encodeResponse(request, EmptyResponse{})

	case KindLog:
		var req LogRequest
		if err := decodePayload(request.Payload, &req, request.CBOR); err != nil {
			return Message{}, fmt.Errorf("decoding log request: %w", err)
		}
		if err := s.handler.Log(ctx, req.Stream, req.Text); err != nil {
			return Message{}, err
		}
		return encodeResponse(request, EmptyResponse{})

	case KindException:
		var req ExceptionRequest
		if err := decodePayload(request.Payload, &req, request.CBOR); err != nil {
			return Message{}, fmt.Errorf("decoding exception request: %w", err)
		}
		if err := s.handler.Exception(ctx, req.Kind, req.Message); err != nil {
			return Message{}, err
		}
		return encodeResponse(request, EmptyResponse{})

	default:
		return errorMessage(request, fmt.Errorf("unknown message kind 0x%02x", request.Kind)), nil
	}
}

func encodeResponse(request Message, v any) (Message, error) {
	payload, err := encodePayload(v, request.CBOR)
	if err != nil {
		return Message{}, fmt.Errorf("encoding response: %w", err)
	}
	return Message{Kind: request.Kind, CBOR: request.CBOR, Payload: payload}, nil
}

func errorMessage(request Message, cause error) Message {
	payload, err := encodePayload(ErrorResponse{Error: cause.Error()}, request.CBOR)
	if err != nil {
		// Encoding a plain string field should never fail; fall back
		// to an empty payload rather than dropping the connection.
		payload = nil
	}
	return Message{Kind: KindError, CBOR: request.CBOR, Payload: payload}
}
