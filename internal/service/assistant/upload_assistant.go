package assistant

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"medchat/internal/models"
)

var ErrFileTypeNotAllowed = errors.New("file type not allowed")

var allowedExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {},
	"pdf": {}, "mp3": {}, "wav": {}, "m4a": {},
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// AllowedFile reports whether the name carries an allowed extension.
func AllowedFile(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	_, ok := allowedExtensions[ext]
	return ok
}

// SanitizeFileName strips directories and characters that are unsafe on
// disk. The result may be empty.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFileChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// UploadResult links the stored file to the chat message announcing it.
type UploadResult struct {
	File    *models.UploadedFile
	Message *models.Message
}

// RecordUpload stores the upload metadata and appends a file reference
// message to the user's chat log.
func (s *Service) RecordUpload(ctx context.Context, userID int64, fileName, storedPath, mimeType string, size int64) (*UploadResult, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if !AllowedFile(fileName) {
		return nil, ErrFileTypeNotAllowed
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files (user_id, file_name, stored_path, mime_type, size, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, fileName, storedPath, mimeType, size, models.UploadStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("upload id: %w", err)
	}
	file := &models.UploadedFile{
		ID:         id,
		UserID:     userID,
		FileName:   fileName,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       size,
		Status:     models.UploadStatusPending,
		CreatedAt:  now,
	}

	msg := &models.Message{
		UserID:      userID,
		Sender:      models.SenderSystem,
		ContentType: models.ContentFileRef,
		Content:     "File uploaded: " + fileName,
		Timestamp:   now,
	}
	if _, err := s.messages.Append(ctx, msg); err != nil {
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = ?`, id); delErr != nil {
			s.logger.Warn("roll back upload record failed", "file_id", id, "err", delErr)
		}
		return nil, fmt.Errorf("append upload message: %w", err)
	}
	return &UploadResult{File: file, Message: msg}, nil
}
