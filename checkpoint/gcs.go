package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// objectBucket は GCSStore が使うバケット操作です。
type objectBucket interface {
	NewWriter(ctx context.Context, name string) io.WriteCloser
	NewReader(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// gcsBucket は Cloud Storage のバケットです。
type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, name string) io.WriteCloser {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	return w
}

func (b gcsBucket) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.ErrCheckpointNotFound
	}
	return r, err
}

func (b gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSStore は gs://<bucket>/<prefix>/<runID>/epoch-000042.ckpt に gob で保存します。
type GCSStore struct {
	client *storage.Client
	bucket objectBucket
	prefix string
}

// NewGCSStore はサービスアカウントの鍵ファイルで Cloud Storage に接続します。
// credentialsFile が空なら Application Default Credentials を使います。
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.NewConfigurationError("checkpoint.bucket", "must not be empty", bucket)
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, errors.NewConfigurationError("checkpoint.credentials_file", "service account key not found", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS storage client")
	}
	return &GCSStore{
		client: client,
		bucket: gcsBucket{handle: client.Bucket(bucket)},
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// newGCSStoreWithBucket は任意のバケット実装を使います。
func newGCSStoreWithBucket(bucket objectBucket, prefix string) *GCSStore {
	return &GCSStore{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Close はクライアントを閉じます。
func (s *GCSStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *GCSStore) runDir(runID string) string {
	return path.Join(s.prefix, runID) + "/"
}

func (s *GCSStore) object(runID string, epoch int) string {
	return s.runDir(runID) + fmt.Sprintf("epoch-%06d%s", epoch, fileExt)
}

// Save はチェックポイントをオブジェクトとして書き込みます。Close が成功して初めて公開されます。
func (s *GCSStore) Save(ctx context.Context, ckpt *Checkpoint) error {
	if err := ckpt.Validate(); err != nil {
		return err
	}
	name := s.object(ckpt.RunID, ckpt.Epoch)
	w := s.bucket.NewWriter(ctx, name)
	if err := model.Encode(w, ckpt); err != nil {
		w.Close()
		return errors.Wrapf(err, "write gs object %s", name)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "close GCS writer for %s", name)
	}
	return nil
}

// Load は指定エポックのオブジェクトを読み込みます。
func (s *GCSStore) Load(ctx context.Context, runID string, epoch int) (*Checkpoint, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	name := s.object(runID, epoch)
	r, err := s.bucket.NewReader(ctx, name)
	if errors.Is(err, errors.ErrCheckpointNotFound) {
		return nil, notFound(runID, epoch)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open gs object %s", name)
	}
	defer r.Close()
	var ckpt Checkpoint
	if err := model.Decode(r, &ckpt); err != nil {
		return nil, errors.Wrapf(err, "read gs object %s", name)
	}
	return &ckpt, nil
}

// Latest は最新エポックのオブジェクトを読み込みます。
func (s *GCSStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	epochs, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, notFound(runID, -1)
	}
	return s.Load(ctx, runID, epochs[len(epochs)-1])
}

// List は runID のオブジェクト名からエポックを取り出します。
func (s *GCSStore) List(ctx context.Context, runID string) ([]int, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := s.runDir(runID)
	names, err := s.bucket.List(ctx, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list gs prefix %s", dir)
	}
	var epochs []int
	for _, name := range names {
		rest := strings.TrimPrefix(name, dir)
		if strings.Contains(rest, "/") {
			continue
		}
		if epoch, ok := parseEpoch(rest); ok {
			epochs = append(epochs, epoch)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}
