package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"smallbiznis-loyalty/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("objectstore", fx.Provide(ProvideObjectStore))

// ObjectStore writes immutable documents such as account statements.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
}

type minioStore struct {
	client *minio.Client
	bucket string
}

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

func ProvideObjectStore(p Params) (ObjectStore, error) {
	c := p.Config.Minio
	if c.Endpoint == "" {
		zap.L().Warn("[MinIO] endpoint not set, using in-memory object store")
		return NewMemory(), nil
	}

	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
	})
	if err != nil {
		zap.L().Error("[MinIO] failed to create client", zap.Error(err))
		return nil, err
	}

	store := &minioStore{client: client, bucket: c.BucketName}
	p.Lifecycle.Append(fx.Hook{
		OnStart: store.ensureBucket,
	})
	return store, nil
}

func (s *minioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		zap.L().Error("[MinIO] failed to check bucket", zap.String("bucket", s.bucket), zap.Error(err))
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	zap.L().Info("[MinIO] bucket ready", zap.String("bucket", s.bucket), zap.Bool("created", !exists))
	return nil
}

func (s *minioStore) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Memory keeps objects in process. Used when no endpoint is configured and
// in tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (m *Memory) PutObject(_ context.Context, key, _ string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return b, ok
}
