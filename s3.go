package flickrup

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// ManifestOptions provide configuration over where the upload manifest
// should be stored in S3.
//
// S3 environment variables _must_ be set, including:
//
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION
type ManifestOptions struct {
	Bucket   string                     // Required. s3 bucket to receive the manifest.
	Key      string                     // s3 key of the manifest, defaults to `flickrup/manifest.json`
	Uploader s3manageriface.UploaderAPI // optional, a new uploader is created from the environment if nil
}

// NewManifestOptions creates a new ManifestOptions object with defaults
func NewManifestOptions(bucket string) ManifestOptions {
	return ManifestOptions{
		Bucket: bucket,
		Key:    "flickrup/manifest.json",
	}
}

// ManifestEntry is the JSON form of one Result.
type ManifestEntry struct {
	Path      string    `json:"path"`
	MediaType MediaType `json:"media_type"`
	PhotoID   string    `json:"photo_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// NewManifest converts results into manifest entries.
func NewManifest(results []Result) []ManifestEntry {
	entries := make([]ManifestEntry, 0, len(results))
	for _, r := range results {
		e := ManifestEntry{
			Path:      r.Path,
			MediaType: r.MediaType,
			PhotoID:   r.PhotoID,
			Outcome:   r.Outcome,
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		entries = append(entries, e)
	}
	return entries
}

// Write stores the manifest for results in S3, overwriting any
// previous manifest at the same key.
func (o ManifestOptions) Write(results []Result) error {
	uploader := o.Uploader
	if uploader == nil {
		sess, err := session.NewSession()
		if err != nil {
			return err
		}
		uploader = s3manager.NewUploader(sess)
	}
	return SetS3Key(uploader, o.Bucket, o.Key, NewManifest(results))
}

// SetS3Key writes items to bucket/key as a JSON array.
func SetS3Key[T any](uploader s3manageriface.UploaderAPI, bucket string, key string, items []T) error {
	buf, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = uploader.Upload(&s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewBuffer(buf),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("error writing %s to %s: %w", key, bucket, err)
	}
	return nil
}
