package emulator

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/ws"
	"go.uber.org/zap"
)

// handleWrite handles GET /write. The first request is a handshake without
// writes; every later request is committed as one batch and answered in
// order. A failed batch closes the stream with its status.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	client, cleanup, err := s.setupStreamClient(w, r)
	if err != nil {
		return
	}

	defer cleanup()

	s.metrics.WriteStreams.Inc()
	defer s.metrics.WriteStreams.Dec()

	token := []byte(uuid.NewString())
	handshakeComplete := false

	for {
		msg, err := client.Receive()
		if err != nil {
			return
		}

		var req remote.WriteRequest
		if msg.Type != ws.MessageTypeRequest {
			err = remote.NewError(remote.InvalidArgument, "unexpected frame type %q", msg.Type)
		} else if decodeErr := msg.Decode(&req); decodeErr != nil {
			err = remote.NewError(remote.InvalidArgument, "invalid write request: %v", decodeErr)
		}

		if err != nil {
			sendStatus(client, err)

			return
		}

		if !handshakeComplete {
			if len(req.Writes) > 0 {
				sendStatus(client, remote.NewError(remote.InvalidArgument, "first write request must be a handshake"))

				return
			}

			handshakeComplete = true

			s.log.Debug("WriteHandshake", zap.String("stream", client.ID), zap.String("user", client.UserID))

			if err := client.Send(ws.MessageTypeResponse, remote.WriteResponse{StreamToken: token}); err != nil {
				return
			}

			continue
		}

		resp, err := s.commitWrites(client.UserID, req.Writes)
		if err != nil {
			sendStatus(client, err)

			return
		}

		if err := client.Send(ws.MessageTypeResponse, remote.WriteResponse{
			StreamToken:  token,
			WriteResults: resp.WriteResults,
			CommitTime:   resp.CommitTime,
		}); err != nil {
			return
		}
	}
}
