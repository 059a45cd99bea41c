package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/store"
)

// MaxUploadSize bounds attachment uploads.
const MaxUploadSize = 10 << 20

// UploadPrefix is the URL path uploaded files are served under.
const UploadPrefix = "/uploads/"

// ChatHandler serves sessions, history, the AI toggle and uploads.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes. staff guards the console-only routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router, staff func(http.Handler) http.Handler) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/sessions/{id}/messages", h.Messages)
		r.Post("/upload", h.Upload)

		r.Group(func(r chi.Router) {
			if staff != nil {
				r.Use(staff)
			}
			r.Get("/sessions/active", h.ActiveSessions)
			r.Get("/sessions/past", h.PastSessions)
			r.Patch("/sessions/{id}/ai", h.SetAI)
		})
	})

	if h.uploadDir != "" {
		fs := http.StripPrefix(UploadPrefix, http.FileServer(http.Dir(h.uploadDir)))
		r.Get(UploadPrefix+"*", fs.ServeHTTP)
	}
}

// ActiveSessions lists active sessions.
func (h *ChatHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	h.listSessions(w, r, domain.StatusActive)
}

// PastSessions lists past sessions.
func (h *ChatHandler) PastSessions(w http.ResponseWriter, r *http.Request) {
	h.listSessions(w, r, domain.StatusPast)
}

func (h *ChatHandler) listSessions(w http.ResponseWriter, r *http.Request, status domain.SessionStatus) {
	sessions, err := h.repo.ListSessions(r.Context(), status)
	if err != nil {
		h.logger.Error("Failed to list sessions", "status", status, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, sessions)
}

// Messages returns a session's history.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list messages", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	JSON(w, http.StatusOK, records)
}

type setAIRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetAI stores the AI responder toggle.
func (h *ChatHandler) SetAI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setAIRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil || req.Enabled == nil {
		Error(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := h.repo.SetSessionAI(r.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("Failed to set AI toggle", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	h.logger.Info("AI toggle updated", "session_id", id, "enabled", *req.Enabled)
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "ai_enabled": *req.Enabled})
}

// Upload stores the multipart field "file" and returns its URL and type.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploadDir == "" {
		Error(w, http.StatusNotImplemented, "uploads disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	att, err := h.save(file, hdr.Filename)
	if err != nil {
		h.logger.Error("Failed to store upload", "error", err)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	h.logger.Info("Attachment stored", "url", att.URL, "type", att.Type)
	JSON(w, http.StatusOK, att)
}

func (h *ChatHandler) save(src io.Reader, original string) (domain.Attachment, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return domain.Attachment{}, fmt.Errorf("create upload dir: %w", err)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	contentType := http.DetectContentType(head)

	name := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(original)))
	dst, err := os.Create(filepath.Join(h.uploadDir, name))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create upload: %w", err)
	}
	defer dst.Close()

	if _, err := dst.Write(head); err != nil {
		return domain.Attachment{}, fmt.Errorf("write upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return domain.Attachment{}, fmt.Errorf("write upload: %w", err)
	}
	return domain.Attachment{URL: UploadPrefix + name, Type: contentType}, nil
}
