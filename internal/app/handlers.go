package app

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reposcout/api/internal/render"
	"reposcout/api/internal/search"
	"reposcout/api/internal/session"
	"reposcout/api/internal/store"
)

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", b)
	}
	*n = flexInt(v)
	return nil
}

// clientRef carries the client id a body may name, in either spelling.
type clientRef struct {
	ClientID      string `json:"clientId"`
	ClientIDSnake string `json:"client_id"`
}

func (c clientRef) id() string {
	if id := strings.TrimSpace(c.ClientID); id != "" {
		return id
	}
	return strings.TrimSpace(c.ClientIDSnake)
}

type searchRequest struct {
	clientRef
	Language     string  `json:"language"`
	Topic        string  `json:"topic"`
	PerPage      flexInt `json:"perPage"`
	PerPageSnake flexInt `json:"per_page"`
	Pages        flexInt `json:"pages"`
}

func (b searchRequest) filters() search.Filters {
	perPage := int(b.PerPage)
	if perPage == 0 {
		perPage = int(b.PerPageSnake)
	}
	return search.Filters{
		Language: strings.TrimSpace(b.Language),
		Topic:    strings.TrimSpace(b.Topic),
		PerPage:  perPage,
		Pages:    int(b.Pages),
	}
}

// resolveClient picks the identity a request acts for. The session cookie
// wins; a body-supplied id is accepted from cookieless callers but must match
// the session when both are present, and must be a usable store key.
func (s *HTTPServer) resolveClient(r *http.Request, claimed string) (string, error) {
	sessionID, hasSession := session.FromContext(r.Context())
	switch {
	case hasSession && claimed != "" && claimed != sessionID:
		return "", errUnauthenticated
	case hasSession:
		return sessionID, nil
	case claimed != "" && !store.ValidKey(claimed):
		return "", errInvalidClientID
	case claimed != "":
		return claimed, nil
	}
	return "", errUnauthenticated
}

func (s *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	identity, cookie := s.deps.Issuer.EnsureIdentity(r.Context(), r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	writeJSON(w, http.StatusOK, map[string]any{"clientId": identity.ID})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	clientID, err := s.resolveClient(r, body.id())
	if err != nil {
		writeMappedError(w, err)
		return
	}

	resp, err := s.deps.Search.Search(r.Context(), clientID, body.filters())
	if err != nil {
		// The body is the payload already pushed to the channel.
		status, _, _, _ := mapError(err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSearchLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		clientRef
		Link string `json:"link"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Link) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "No link provided", nil)
		return
	}

	var clientID string
	if _, hasSession := session.FromContext(r.Context()); !hasSession && body.id() == "" {
		identity, cookie := s.deps.Issuer.EnsureIdentity(r.Context(), r)
		if cookie != nil {
			http.SetCookie(w, cookie)
		}
		clientID = identity.ID
	} else {
		var err error
		if clientID, err = s.resolveClient(r, body.id()); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	link, err := s.deps.Links.Submit(r.Context(), clientID, body.Link)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"message":    "Repository added",
		"repository": link,
	})
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var body clientRef
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	clientID, err := s.resolveClient(r, body.id())
	if err != nil {
		writeMappedError(w, err)
		return
	}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), clientID)
	if err != nil {
		status, code, message, _ := mapError(err)
		var details any
		if result.Total > 0 {
			details = result
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   "Repositories sent to the analysis queue",
		"published": result.Published,
		"total":     result.Total,
	})
}

func (s *HTTPServer) handleAnalysisResults(w http.ResponseWriter, r *http.Request) {
	if token := s.deps.WorkerToken; token != "" {
		got := strings.TrimSpace(r.Header.Get("X-Worker-Token"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	var envelope struct {
		clientRef
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be a JSON object", nil)
		return
	}

	if _, err := s.deps.Receiver.Receive(r.Context(), envelope.id(), envelope.Name, raw); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"results": json.RawMessage(raw),
	})
}

func (s *HTTPServer) handleGetData(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// chi matches on the raw path when one is set, so an encoded "/" in a
	// result name arrives still escaped.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_KEY", "Invalid result name", nil)
			return
		}
		name = unescaped
	}
	format, ok := render.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "Unsupported format", nil)
		return
	}

	payload, err := s.deps.Results.ReadNamed(r.Context(), name)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	switch format {
	case render.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	case render.FormatPDF:
		if s.deps.PDF == nil {
			writeMappedError(w, render.ErrPDFDependencyMissing)
			return
		}
		result, err := s.deps.PDF.Render(r.Context(), name, payload)
		if err != nil {
			s.logger.Warn("pdf render failed", zap.String("name", name), zap.Error(err))
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	default:
		page, err := render.HTML(name, payload)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(page)
	}
}

func (s *HTTPServer) handleResultSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if s.deps.Finder == nil || query == "" {
		writeJSON(w, http.StatusOK, search.ResultsResponse{Results: []search.ResultHit{}, Query: query})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Finder.Find(r.Context(), query, limit))
}
