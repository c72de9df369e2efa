package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// PathExtractRuns is the key prefix for archived extraction responses.
const PathExtractRuns = "extract-runs"

const archiveDayLayout = "2006/01/02"

// ArchiveConfig holds connection settings for the S3-compatible bucket that
// keeps raw extraction responses.
type ArchiveConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	// RetentionDays expires archived responses after that many days.
	// Zero keeps them forever.
	RetentionDays int
}

// ArchivedRun describes one stored extraction response.
type ArchivedRun struct {
	RunID    int64     `json:"run_id"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// ResponseArchive stores the raw JSON body of every extraction call so runs
// can be audited or replayed later.
type ResponseArchive struct {
	client *minio.Client
	cfg    ArchiveConfig
}

func NewResponseArchive(cfg ArchiveConfig) (*ResponseArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &ResponseArchive{client: client, cfg: cfg}, nil
}

// Ensure creates the bucket when missing and applies the retention rule.
func (a *ResponseArchive) Ensure(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.cfg.Bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.cfg.Bucket, err)
		}
	}

	if a.cfg.RetentionDays <= 0 {
		return nil
	}
	if err := a.client.SetBucketLifecycle(ctx, a.cfg.Bucket, retentionRules(a.cfg.RetentionDays)); err != nil {
		return fmt.Errorf("failed to set archive retention: %w", err)
	}
	return nil
}

func retentionRules(days int) *lifecycle.Configuration {
	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{{
		ID:         "expire-" + PathExtractRuns,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: PathExtractRuns + "/"},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return rules
}

func (a *ResponseArchive) Health(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	return err
}

// ArchiveExtractResponse stores body under the run's key and returns the key.
func (a *ResponseArchive) ArchiveExtractResponse(ctx context.Context, runID int64, body []byte, at time.Time) (string, error) {
	key := ExtractRunKey(runID, at)

	info, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"run-id": strconv.FormatInt(runID, 10)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive extract response for run %d: %w", runID, err)
	}
	return info.Key, nil
}

// Fetch returns an archived response body. A missing key yields ErrNotFound.
func (a *ResponseArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get archived response %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read archived response %s: %w", key, err)
	}
	return data, nil
}

// ListRuns returns the responses archived on the UTC day of day, ordered by
// run id.
func (a *ResponseArchive) ListRuns(ctx context.Context, day time.Time) ([]ArchivedRun, error) {
	prefix := PathExtractRuns + "/" + day.UTC().Format(archiveDayLayout) + "/"

	var runs []ArchivedRun
	for obj := range a.client.ListObjects(ctx, a.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list archived runs: %w", obj.Err)
		}
		runID, err := ParseExtractRunKey(obj.Key)
		if err != nil {
			continue
		}
		runs = append(runs, ArchivedRun{RunID: runID, Key: obj.Key, Size: obj.Size, StoredAt: obj.LastModified})
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return runs, nil
}

// ExtractRunKey returns extract-runs/YYYY/MM/DD/<run id>.json for the UTC
// day of at.
func ExtractRunKey(runID int64, at time.Time) string {
	return fmt.Sprintf("%s/%s/%d.json", PathExtractRuns, at.UTC().Format(archiveDayLayout), runID)
}

var errNotRunKey = errors.New("not an extract run key")

// ParseExtractRunKey is the inverse of ExtractRunKey.
func ParseExtractRunKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, PathExtractRuns+"/")
	if !ok {
		return 0, errNotRunKey
	}
	slash := strings.LastIndexByte(rest, '/')
	if slash < 0 {
		return 0, errNotRunKey
	}
	if _, err := time.Parse(archiveDayLayout, rest[:slash]); err != nil {
		return 0, errNotRunKey
	}
	name, ok := strings.CutSuffix(rest[slash+1:], ".json")
	if !ok {
		return 0, errNotRunKey
	}
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil || id <= 0 {
		return 0, errNotRunKey
	}
	return id, nil
}
