package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"rsc.io/pdf"

	"tutor/backend/internal/chat"
)

const (
	maxImageBytes            = 10 * 1024 * 1024
	maxNotesBytes            = 10 * 1024 * 1024
	maxMultipartRequestBytes = maxImageBytes + maxNotesBytes + (1 * 1024 * 1024)
	maxExtractedTextRunes    = 200_000
)

var (
	supportedNotesExtensions = map[string]struct{}{
		".txt": {},
		".md":  {},
		".pdf": {},
	}

	filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// requestError is a client mistake found while normalizing a request.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string) *requestError {
	return &requestError{status: http.StatusBadRequest, code: "invalid_request", message: message}
}

// chatPayload accepts both the current field names and the older
// chatId/model aliases the web client still sends.
type chatPayload struct {
	Message        string             `json:"message"`
	History        []chat.HistoryTurn `json:"history"`
	ConversationID string             `json:"conversationId"`
	ChatID         string             `json:"chatId"`
	ModelID        string             `json:"modelId"`
	Model          string             `json:"model"`
}

func (p chatPayload) conversationID() string {
	return firstNonEmpty(p.ConversationID, p.ChatID)
}

func (p chatPayload) modelID() string {
	return firstNonEmpty(p.ModelID, p.Model)
}

// readChatRequest turns a JSON or multipart body into one chat.Request. The
// relay never sees how the request was encoded.
func (h Handler) readChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, error) {
	var (
		payload chatPayload
		out     chat.Request
	)

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMultipartRequestBytes)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return chat.Request{}, &requestError{status: http.StatusRequestEntityTooLarge, code: "request_too_large", message: "upload exceeds the size limit"}
			}
			return chat.Request{}, badRequest("invalid multipart body")
		}
		defer r.MultipartForm.RemoveAll()

		payload.Message = r.FormValue("message")
		payload.ConversationID = r.FormValue("conversationId")
		payload.ChatID = r.FormValue("chatId")
		payload.ModelID = r.FormValue("modelId")
		payload.Model = r.FormValue("model")
		if rawHistory := strings.TrimSpace(r.FormValue("history")); rawHistory != "" {
			if err := json.Unmarshal([]byte(rawHistory), &payload.History); err != nil {
				return chat.Request{}, badRequest("history must be a JSON array")
			}
		}

		img, err := h.readImagePart(r)
		if err != nil {
			return chat.Request{}, err
		}
		out.Image = img

		notes, notesName, err := readNotesPart(r)
		if err != nil {
			return chat.Request{}, err
		}
		out.Notes = notes
		out.NotesName = notesName
	} else {
		if err := readJSON(w, r, &payload, maxJSONRequestBytes); err != nil {
			return chat.Request{}, err
		}
	}

	out.Message = strings.TrimSpace(payload.Message)
	if out.Message == "" {
		return chat.Request{}, badRequest(chat.ErrMissingMessage.Error())
	}
	out.History = payload.History
	out.ConversationID = payload.conversationID()
	out.ModelID = payload.modelID()
	if user, ok := sessionUserFromContext(r.Context()); ok {
		out.OwnerID = user.ID
	}
	return out, nil
}

func (h Handler) readImagePart(r *http.Request) (*chat.Image, error) {
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, badRequest("failed to read image")
	}
	defer file.Close()

	if header.Size > maxImageBytes {
		return nil, &requestError{status: http.StatusRequestEntityTooLarge, code: "image_too_large", message: "image exceeds 10 MB"}
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, badRequest("failed to read image")
	}
	if len(data) > maxImageBytes {
		return nil, &requestError{status: http.StatusRequestEntityTooLarge, code: "image_too_large", message: "image exceeds 10 MB"}
	}

	filename := sanitizeFilename(header.Filename)
	mediaType := detectUploadMediaType(header.Header.Get("Content-Type"), strings.ToLower(filepath.Ext(filename)), data)
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, &requestError{status: http.StatusUnsupportedMediaType, code: "unsupported_image", message: "only image uploads are allowed"}
	}

	data, mediaType = downscaleImage(data, mediaType, h.cfg.MaxImageDimension)
	return &chat.Image{MediaType: mediaType, Filename: filename, Data: data}, nil
}

// downscaleImage shrinks images whose longer side exceeds maxDimension and
// re-encodes them. Formats imaging cannot decode pass through untouched.
func downscaleImage(data []byte, mediaType string, maxDimension int) ([]byte, string) {
	if maxDimension <= 0 {
		return data, mediaType
	}
	config, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || (config.Width <= maxDimension && config.Height <= maxDimension) {
		return data, mediaType
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mediaType
	}
	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	format, outType := imaging.JPEG, "image/jpeg"
	if mediaType == "image/png" || mediaType == "image/gif" {
		format, outType = imaging.PNG, "image/png"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(85)); err != nil {
		return data, mediaType
	}
	return buf.Bytes(), outType
}

func readNotesPart(r *http.Request) (string, string, error) {
	file, header, err := r.FormFile("notes")
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", nil
	}
	if err != nil {
		return "", "", badRequest("failed to read notes")
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	extension := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedNotesExtensions[extension]; !ok {
		return "", "", &requestError{status: http.StatusUnsupportedMediaType, code: "unsupported_notes", message: "notes must be a .pdf, .txt or .md file"}
	}

	data, err := io.ReadAll(io.LimitReader(file, maxNotesBytes+1))
	if err != nil {
		return "", "", badRequest("failed to read notes")
	}
	if len(data) > maxNotesBytes {
		return "", "", &requestError{status: http.StatusRequestEntityTooLarge, code: "notes_too_large", message: "notes exceed 10 MB"}
	}

	text, err := extractNotesText(extension, data)
	if err != nil {
		return "", "", &requestError{status: http.StatusUnprocessableEntity, code: "unreadable_notes", message: fmt.Sprintf("could not read %s", filename)}
	}
	return text, filename, nil
}

func extractNotesText(extension string, data []byte) (string, error) {
	switch extension {
	case ".txt", ".md":
		return normalizeTextPayload(string(data)), nil
	case ".pdf":
		text, err := extractPDFText(data)
		if err != nil {
			return "", err
		}
		return normalizeTextPayload(text), nil
	default:
		return "", fmt.Errorf("unsupported notes type %q", extension)
	}
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var textBuilder strings.Builder
	runeCount := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if textBuilder.Len() > 0 {
				textBuilder.WriteByte('\n')
				runeCount++
			}
			textBuilder.WriteString(chunk)
			runeCount += utf8.RuneCountInString(chunk)
			if runeCount >= maxExtractedTextRunes {
				return trimToRunes(textBuilder.String(), maxExtractedTextRunes), nil
			}
		}
	}

	return textBuilder.String(), nil
}

func normalizeTextPayload(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ToValidUTF8(normalized, "")
	return strings.TrimSpace(normalized)
}

func detectUploadMediaType(headerContentType, extension string, data []byte) string {
	contentType := strings.TrimSpace(headerContentType)
	if contentType != "" && contentType != "application/octet-stream" {
		return strings.ToLower(contentType)
	}

	if byExt := strings.TrimSpace(mime.TypeByExtension(extension)); byExt != "" {
		return byExt
	}

	if len(data) > 0 {
		sniffLen := len(data)
		if sniffLen > 512 {
			sniffLen = 512
		}
		return http.DetectContentType(data[:sniffLen])
	}

	return "application/octet-stream"
}

func sanitizeFilename(raw string) string {
	base := strings.TrimSpace(filepath.Base(raw))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file"
	}

	extension := filepath.Ext(base)
	namePart := strings.TrimSuffix(base, extension)
	namePart = filenameSanitizer.ReplaceAllString(namePart, "_")
	namePart = strings.Trim(namePart, "._")
	if namePart == "" {
		namePart = "file"
	}

	extension = strings.ToLower(filenameSanitizer.ReplaceAllString(extension, ""))
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return trimToRunes(namePart+extension, 180)
}

func trimToRunes(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
