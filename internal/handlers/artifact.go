// Package handlers holds the job handlers this repository owns. Product
// services register their own handlers (packet generation, email dispatch,
// browser checks) against the same registry at deploy time.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"launchforge/internal/config"
	"launchforge/internal/models"
	"launchforge/internal/registry"
)

const maxArtifactBytes = 25 * 1024 * 1024

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ArtifactHandler publishes a rendered packet artifact (landing page HTML,
// research markdown, distribution plan) to object storage where the product
// UI serves it from.
type ArtifactHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// Artifact job payload.
type artifactPayload struct {
	OutputKey   string `json:"output_key"`
	Content     string `json:"content"`
	SourceURL   string `json:"source_url"`
	ContentType string `json:"content_type"`
	Destination string `json:"destination"`
}

// NewArtifactHandler constructs the handler and chooses an uploader (local or S3).
func NewArtifactHandler(ctx context.Context, cfg config.Config) (*ArtifactHandler, error) {
	baseDir := cfg.ArtifactOutputDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}

	var s3Upload uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}

	return &ArtifactHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Handle publishes a single artifact and records where it landed on the job's
// event feed. Re-running with the same payload overwrites the same key, so
// the handler is idempotent on retry.
func (h *ArtifactHandler) Handle(ctx context.Context, events registry.EventStore, job models.Job) error {
	payload, err := decodeArtifactPayload(job, h.cfg)
	if err != nil {
		return err
	}

	body := []byte(payload.Content)
	contentType := payload.ContentType
	if payload.SourceURL != "" {
		body, contentType, err = h.download(ctx, payload.SourceURL)
		if err != nil {
			return err
		}
		if payload.ContentType != "" {
			contentType = payload.ContentType
		}
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}

	up, err := h.pickUploader(payload.Destination)
	if err != nil {
		return err
	}

	location, err := up.Upload(ctx, sanitizeKey(payload.OutputKey), body, contentType)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	_ = events.AppendEvent(ctx, models.JobEvent{
		ProjectID: job.ProjectID,
		JobID:     job.ID,
		Type:      models.EventArtifact,
		Message:   payload.OutputKey,
		Data: map[string]any{
			"location":     location,
			"content_type": contentType,
			"bytes":        len(body),
		},
	})
	return nil
}

func (h *ArtifactHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact source: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxArtifactBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact source: %w", err)
	}
	if len(body) > maxArtifactBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", maxArtifactBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeArtifactPayload(job models.Job, cfg config.Config) (artifactPayload, error) {
	var payload artifactPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Content == "" && payload.SourceURL == "" {
		return payload, errors.New("one of content or source_url is required")
	}
	if payload.OutputKey == "" {
		payload.OutputKey = fmt.Sprintf("%s/%s.html", job.ProjectID, job.ID)
	}
	if payload.Destination == "" {
		if cfg.ArtifactS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ArtifactHandler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
