// Package archive uploads classified shots to S3-compatible storage, filed
// under the label each shot received, so misclassifications can be reviewed
// and fed back into training.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

// Config describes the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object key, usually the machine id.
	Prefix string
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store implements detection.Archiver.
type Store struct {
	cfg    Config
	client objectPutter
	clock  timeutil.Clock
}

var _ detection.Archiver = (*Store)(nil)

// Open connects to the endpoint and makes sure the bucket exists.
func Open(ctx context.Context, cfg Config, clock timeutil.Clock) (*Store, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("archive: access key and secret key are required")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := cli.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("archive: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	monitoring.Infof("archive", "archiving shots to %s/%s", cfg.Endpoint, cfg.Bucket)
	return newStore(cfg, cli, clock), nil
}

func newStore(cfg Config, client objectPutter, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{cfg: cfg, client: client, clock: clock}
}

// Key returns the object key for a shot:
// <prefix>/<label>/<yyyy-mm-dd>/<file name>.
func (s *Store) Key(shot detection.Shot) string {
	day := s.clock.Now().UTC().Format("2006-01-02")
	return path.Join(s.cfg.Prefix, string(shot.Result.Label), day, filepath.Base(shot.Handle))
}

// Archive uploads the shot's image with its result as object metadata.
func (s *Store) Archive(ctx context.Context, shot detection.Shot) error {
	f, err := os.Open(shot.Handle)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	key := s.Key(shot)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: "image/jpeg",
		UserMetadata: map[string]string{
			"label":      string(shot.Result.Label),
			"confidence": strconv.FormatFloat(shot.Result.Confidence, 'f', 4, 64),
			"shot":       strconv.Itoa(shot.Index + 1),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	monitoring.Debugf("archive", "stored %s", key)
	return nil
}
