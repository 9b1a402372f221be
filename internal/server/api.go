// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/remote"
)

// strategyOverride reads ?lb=. Unknown values fall back to the pool default.
func strategyOverride(r *http.Request) model.Strategy {
	v := r.URL.Query().Get("lb")
	if v == "" {
		return ""
	}
	st, err := model.ParseStrategy(v)
	if err != nil {
		return ""
	}
	return st
}

// dispatch selects an account for the authorized request and relays the
// downstream response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, op remote.Operation, args url.Values) {
	res, account, err := s.svc.Dispatch(r.Context(), decisionFrom(r), strategyOverride(r), op, args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Debug("dispatched", "op", op, "account", account)
	ct := res.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// offsetArg validates an optional non-negative offset.
func (s *Server) offsetArg(w http.ResponseWriter, r *http.Request, args url.Values) bool {
	v := r.URL.Query().Get("offset")
	if v == "" {
		return true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.writeMessage(w, http.StatusBadRequest, "InvalidParameter", map[string]any{"Name": "offset"})
		return false
	}
	args.Set("offset", strconv.Itoa(n))
	return true
}

func (s *Server) handleIllust(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isDigits(id) {
		s.writeMessage(w, http.StatusBadRequest, "InvalidParameter", map[string]any{"Name": "id"})
		return
	}
	s.dispatch(w, r, remote.OpIllustDetail, url.Values{"id": {id}})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	word := r.URL.Query().Get("word")
	if word == "" {
		s.writeMessage(w, http.StatusBadRequest, "MissingParameter", map[string]any{"Name": "word"})
		return
	}
	args := url.Values{"word": {word}}
	if !s.offsetArg(w, r, args) {
		return
	}
	s.dispatch(w, r, remote.OpSearchIllust, args)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	args := url.Values{}
	if mode := r.URL.Query().Get("mode"); mode != "" {
		args.Set("mode", mode)
	}
	if !s.offsetArg(w, r, args) {
		return
	}
	s.dispatch(w, r, remote.OpIllustRanking, args)
}

func (s *Server) handleRecommended(w http.ResponseWriter, r *http.Request) {
	args := url.Values{}
	if !s.offsetArg(w, r, args) {
		return
	}
	s.dispatch(w, r, remote.OpIllustRecommended, args)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		s.writeMessage(w, http.StatusBadRequest, "MissingParameter", map[string]any{"Name": "url"})
		return
	}
	s.dispatch(w, r, remote.OpDownload, url.Values{"url": {u}})
}
