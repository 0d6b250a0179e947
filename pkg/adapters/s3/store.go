package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cast"

	"github.com/bturcanu/plugwire/pkg/types"
)

// MaxObjectBytes caps object downloads.
const MaxObjectBytes = 64 << 20

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore is the slice of an S3 client the adapters need.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, ObjectInfo, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, bool, error)
}

// Open builds an ObjectStore from a credential bag.
type Open func(creds types.CredentialBag) (ObjectStore, error)

// OpenMinio connects to any S3-compatible endpoint. The bag carries endpoint,
// access_key and secret_key, plus optional region and secure.
func OpenMinio(creds types.CredentialBag) (ObjectStore, error) {
	endpoint := strings.TrimSpace(creds.Get("endpoint"))
	secure := true
	if s, ok := creds.Lookup("secure"); ok {
		secure = cast.ToBool(s)
	}
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint, secure = rest, true
	} else if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint, secure = rest, false
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, &types.ConfigurationError{Fields: []string{"endpoint"}}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.Get("access_key"), creds.Get("secret_key"), ""),
		Secure: secure,
		Region: creds.Get("region"),
	})
	if err != nil {
		return nil, &types.ConfigurationError{Fields: []string{"endpoint"}, Reason: "invalid S3 endpoint"}
	}
	return &minioStore{client: client}, nil
}

type minioStore struct {
	client *minio.Client
}

func (m *minioStore) Get(ctx context.Context, bucket, key string) ([]byte, ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer obj.Close()
	st, err := obj.Stat()
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if st.Size > MaxObjectBytes {
		return nil, ObjectInfo{}, &types.ValidationError{Field: "key", Reason: fmt.Sprintf("is %d bytes, larger than the %d byte limit.", st.Size, MaxObjectBytes)}
	}
	data, err := io.ReadAll(io.LimitReader(obj, MaxObjectBytes))
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, infoOf(st), nil
}

func (m *minioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (ObjectInfo, error) {
	up, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: up.Key, Size: up.Size, ETag: up.ETag, ContentType: contentType, LastModified: up.LastModified}, nil
}

func (m *minioStore) List(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, bool, error) {
	if limit <= 0 {
		limit = 1000
	}
	// Cancelling stops the lister goroutine when we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []ObjectInfo
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, MaxKeys: limit}) {
		if obj.Err != nil {
			return nil, false, obj.Err
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, infoOf(obj))
	}
	return out, false, nil
}

func infoOf(o minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{Key: o.Key, Size: o.Size, ETag: o.ETag, ContentType: o.ContentType, LastModified: o.LastModified.UTC()}
}
