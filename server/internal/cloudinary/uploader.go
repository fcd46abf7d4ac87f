package cloudinary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/config"
	"pinboard/server/internal/model"

	"go.uber.org/zap"
)

// maxErrorBody 与 backend 保持一致，只截取错误响应前 4KB。
const maxErrorBody = 4096

// Result 是上传成功后 Cloudinary 返回的关键信息。
type Result struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
}

// Uploader 使用后端签发的签名直传 Cloudinary，密钥不经过本进程。
type Uploader struct {
	cfg        config.CloudinaryConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewUploader(cfg config.CloudinaryConfig, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.Named("cloudinary"),
	}
}

// Upload 上传一张图片。签名里的 APIKey/CloudName 优先，缺省时回退到本地配置。
func (u *Uploader) Upload(ctx context.Context, sig model.UploadSignature, filename string, file io.Reader) (*Result, error) {
	cloud := firstNonEmpty(sig.CloudName, u.cfg.CloudName)
	apiKey := firstNonEmpty(sig.APIKey, u.cfg.APIKey)
	if cloud == "" || apiKey == "" {
		return nil, backend.Validation(errors.New("cloudinary cloud name and api key are required"))
	}
	if sig.Signature == "" || sig.Timestamp == 0 {
		return nil, backend.Validation(errors.New("upload signature is incomplete"))
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"api_key", apiKey},
		{"timestamp", strconv.FormatInt(sig.Timestamp, 10)},
		{"signature", sig.Signature},
	}
	if sig.Folder != "" {
		fields = append(fields, [2]string{"folder", sig.Folder})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	endpoint := strings.TrimRight(u.cfg.UploadURL, "/") + "/" + cloud + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: upload %s: %w", backend.ErrTransientFailure, filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		u.logger.Warn("upload rejected", zap.Int("status", resp.StatusCode), zap.String("file", filename))
		return nil, &backend.StatusError{Method: http.MethodPost, Path: "/image/upload", Status: resp.StatusCode, Body: string(limited)}
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode upload response: %w", backend.ErrTransientFailure, err)
	}
	if out.SecureURL == "" {
		return nil, fmt.Errorf("%w: upload response has no secure_url", backend.ErrTransientFailure)
	}
	u.logger.Info("image uploaded", zap.String("public_id", out.PublicID))
	return &out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
