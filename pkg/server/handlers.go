package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vincent-petithory/dataurl"

	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/qr"
	"github.com/sipeed/wagate/pkg/session"
)

const (
	maxFieldsBody = 1 << 20
	qrSize        = 256
)

var errEmptyBody = errors.New("request body is required")

// Response is the envelope every API reply uses.
type Response struct {
	Status  bool   `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  any    `json:"result"`
}

func outputJSON(w http.ResponseWriter, code int, message string, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:  code < http.StatusBadRequest,
		Code:    code,
		Message: message,
		Result:  result,
	})
}

// writeError maps the session error taxonomy onto HTTP codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *session.ValidationError
	switch {
	case errors.Is(err, errEmptyBody):
		outputJSON(w, http.StatusBadRequest, "Request body is required", nil)
	case errors.As(err, &ve):
		outputJSON(w, http.StatusBadRequest, ve.Error(), nil)
	case errors.Is(err, session.ErrSessionNotReady):
		outputJSON(w, http.StatusUnprocessableEntity, "Session is not ready", nil)
	case errors.Is(err, session.ErrRecipientNotRegistered):
		outputJSON(w, http.StatusUnprocessableEntity, "Phone number is not registered", nil)
	default:
		logger.ErrorCF("server", "Request failed", map[string]interface{}{
			"error": err.Error(),
		})
		outputJSON(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	outputJSON(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
}

// readFields flattens a JSON, urlencoded or multipart body into strings.
func readFields(r *http.Request, maxBytes int64) (map[string]string, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	out := map[string]string{}

	switch mt {
	case "application/json":
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBytes))
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errEmptyBody
			}
			return nil, &session.ValidationError{Field: "body", Reason: "invalid JSON"}
		}
		for k, v := range raw {
			switch x := v.(type) {
			case nil:
			case string:
				out[k] = x
			case json.Number:
				out[k] = x.String()
			case bool:
				out[k] = strconv.FormatBool(x)
			default:
				b, _ := json.Marshal(x)
				out[k] = string(b)
			}
		}

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, uploadError(err)
		}
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				out[k] = vs[0]
			}
		}

	default:
		if err := r.ParseForm(); err != nil {
			return nil, &session.ValidationError{Field: "body", Reason: err.Error()}
		}
		for k := range r.PostForm {
			out[k] = r.PostForm.Get(k)
		}
	}

	if len(out) == 0 && (r.MultipartForm == nil || len(r.MultipartForm.File) == 0) {
		return nil, errEmptyBody
	}
	return out, nil
}

func uploadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &session.ValidationError{Field: "file", Reason: "exceeds the upload limit"}
	}
	return &session.ValidationError{Field: "body", Reason: err.Error()}
}

// tenant picks the tenant named by the request, or the default one.
func (s *Server) tenant(r *http.Request, fields map[string]string) (string, error) {
	name := strings.TrimSpace(fields["tenant"])
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	if name == "" {
		name = s.cfg.DefaultTenant()
	}
	for _, t := range s.cfg.TenantNames() {
		if t == name {
			return name, nil
		}
	}
	return "", &session.ValidationError{Field: "tenant", Reason: "is not configured"}
}

func (s *Server) uploadLimit() int64 {
	mb := s.cfg.Server.MaxUploadMB
	if mb <= 0 {
		mb = 16
	}
	return int64(mb) << 20
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	fields, err := readFields(r, maxFieldsBody)
	if err != nil {
		writeError(w, err)
		return
	}
	if ok, _ := strconv.ParseBool(fields["init"]); !ok {
		outputJSON(w, http.StatusBadRequest, "Initialization failed", nil)
		return
	}
	tenant, err := s.tenant(r, fields)
	if err != nil {
		writeError(w, err)
		return
	}

	// Init outlives the request.
	snap, err := s.sup.Init(context.WithoutCancel(r.Context()), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	outputJSON(w, http.StatusOK, "Initialization was successful", snap)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	fields, err := readFields(r, maxFieldsBody)
	if err != nil {
		writeError(w, err)
		return
	}
	tenant, err := s.tenant(r, fields)
	if err != nil {
		writeError(w, err)
		return
	}

	sent, err := s.sup.Manager(tenant).SendMessage(r.Context(), fields["number"], fields["message"])
	if err != nil {
		writeError(w, err)
		return
	}
	outputJSON(w, http.StatusOK, "Success", sent)
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	limit := s.uploadLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxFieldsBody)
	fields, err := readFields(r, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	tenant, err := s.tenant(r, fields)
	if err != nil {
		writeError(w, err)
		return
	}

	media, err := mediaFromRequest(r, fields, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if media == nil {
		outputJSON(w, http.StatusBadRequest, "file are required", nil)
		return
	}
	media.Caption = fields["caption"]
	s.keepCopy(tenant, media)

	sent, err := s.sup.Manager(tenant).SendMedia(r.Context(), fields["number"], *media)
	if err != nil {
		writeError(w, err)
		return
	}
	outputJSON(w, http.StatusOK, "Success", sent)
}

// mediaFromRequest reads the "file" part of a multipart upload, or a
// data URL in the "file" field of a JSON or form body. It returns nil when
// no file was sent.
func mediaFromRequest(r *http.Request, fields map[string]string, limit int64) (*session.Media, error) {
	if r.MultipartForm != nil {
		if hs := r.MultipartForm.File["file"]; len(hs) > 0 {
			return readPart(hs[0], limit)
		}
	}

	raw := strings.TrimSpace(fields["file"])
	if raw == "" {
		return nil, nil
	}
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, &session.ValidationError{Field: "file", Reason: "must be a data URL"}
	}
	if int64(len(du.Data)) > limit {
		return nil, &session.ValidationError{Field: "file", Reason: "exceeds the upload limit"}
	}
	return &session.Media{
		Data:     du.Data,
		MimeType: du.ContentType(),
		Filename: fields["filename"],
	}, nil
}

func readPart(h *multipart.FileHeader, limit int64) (*session.Media, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &session.ValidationError{Field: "file", Reason: "exceeds the upload limit"}
	}

	mimeType := h.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	return &session.Media{Data: data, MimeType: mimeType, Filename: h.Filename}, nil
}

// keepCopy writes the upload under server.media_dir when configured.
func (s *Server) keepCopy(tenant string, media *session.Media) {
	dir := s.cfg.Server.MediaDir
	if dir == "" {
		return
	}
	ext := filepath.Ext(media.Filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(media.MimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	path := filepath.Join(dir, tenant, uuid.NewString()+ext)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		err = os.WriteFile(path, media.Data, 0644)
		if err == nil {
			logger.DebugCF("server", "Upload kept", map[string]interface{}{
				"tenant": tenant,
				"path":   path,
				"size":   len(media.Data),
			})
			return
		}
	}
	logger.WarnCF("server", "Failed to keep upload", map[string]interface{}{
		"tenant": tenant,
		"path":   path,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	result := map[string]interface{}{
		"version":  s.version,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sessions": s.sup.Snapshots(),
		"realtime": map[string]interface{}{
			"subscribers": s.msgBus.Subscribers(),
			"dropped":     s.msgBus.Dropped(),
			"websockets":  s.hub.Clients(),
		},
		"allow_list": map[string]interface{}{
			"size":      s.allow.Len(),
			"loaded_at": s.allow.LoadedAt(),
		},
		"secrets": config.SecretMaskMap(s.cfg),
		"config":  config.Redacted(s.cfg),
	}

	if s.devices != nil {
		if devices, err := s.devices.List(r.Context()); err == nil {
			result["devices"] = devices
		} else {
			logger.WarnCF("server", "Failed to list device states", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if s.outbox != nil {
		if stats, err := s.outbox.Stats(r.Context()); err == nil {
			result["outbox"] = stats
		}
	}

	outputJSON(w, http.StatusOK, "Success", result)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	tenant, err := s.tenant(r, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	m, ok := s.sup.Lookup(tenant)
	if !ok {
		outputJSON(w, http.StatusNotFound, "QR code not available", nil)
		return
	}
	code, ok := m.LatestQR()
	if !ok {
		outputJSON(w, http.StatusNotFound, "QR code not available", nil)
		return
	}

	svg, err := qr.SVG(code, qrSize)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, svg)
}

func (s *Server) handleAllowListReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.allow.Reload(); err != nil {
		outputJSON(w, http.StatusInternalServerError, "Failed to reload allow-list", map[string]interface{}{
			"size": s.allow.Len(),
		})
		return
	}
	outputJSON(w, http.StatusOK, "Success", map[string]interface{}{
		"size": s.allow.Len(),
	})
}
