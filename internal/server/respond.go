// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/remote"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMessage sends a localized error message.
func (s *Server) writeMessage(w http.ResponseWriter, status int, id string, data map[string]any) {
	writeJSON(w, status, errorBody{Error: s.tr.T(id, data)})
}

func (s *Server) writeDecision(w http.ResponseWriter, d keys.Decision) {
	status := http.StatusUnauthorized
	if d.Reason.Class() == keys.ClassAuthorization {
		status = http.StatusForbidden
	}
	s.writeMessage(w, status, d.Reason.MessageID(), map[string]any{"Endpoint": d.Endpoint})
}

// writeError maps a service error to its status. Validation and conflict
// messages are returned as is since they name the offending input.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	switch kind {
	case errs.KindValidation, errs.KindDuplicateName, errs.KindNotFound:
		var e *errs.Error
		msg := err.Error()
		if errors.As(err, &e) {
			msg = e.Message
		}
		writeJSON(w, status, errorBody{Error: msg})
	case errs.KindAccountUnavailable:
		s.writeMessage(w, status, "NoAvailableAccount", nil)
	case errs.KindDownstream, errs.KindRefresh:
		s.log.Warn("downstream failure", "err", err)
		msg := s.tr.T("DownstreamError", nil)
		var re *remote.RemoteError
		if errors.As(err, &re) {
			msg += ": " + re.Error()
		}
		writeJSON(w, status, errorBody{Error: msg})
	default:
		s.log.Error("request failed", "err", err)
		s.writeMessage(w, status, "InternalError", nil)
	}
}
