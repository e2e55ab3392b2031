package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
)

// S3API is the part of the S3 client used for archive pushes.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ClientFactory builds a client for one definition.
type S3ClientFactory func(ctx context.Context, def models.TransferDefinition) (S3API, error)

// S3Adapter pushes cruise data into an S3 bucket. Objects are compared by
// size; missing keys count as new and size mismatches as updated. It has no
// bandwidth control.
type S3Adapter struct {
	newClient S3ClientFactory
}

// NewS3Adapter uses factory, or the default AWS credential chain when nil.
func NewS3Adapter(factory S3ClientFactory) *S3Adapter {
	if factory == nil {
		factory = newS3Client
	}
	return &S3Adapter{newClient: factory}
}

func (a *S3Adapter) Kind() models.TransferKind { return models.KindS3 }

func newS3Client(ctx context.Context, def models.TransferDefinition) (S3API, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(def.S3Region),
	}
	if def.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               def.S3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     def.S3Region,
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
		o.UsePathStyle = def.S3Endpoint != ""
	}), nil
}

func (a *S3Adapter) Open(ctx context.Context, ep Endpoint) (Session, error) {
	if ep.Direction != Push {
		return nil, fmt.Errorf("%w: s3 only receives cruise data", ErrUnsupportedKind)
	}
	if ep.Definition.S3Bucket == "" {
		return nil, errors.New("s3 bucket is not set")
	}
	client, err := a.newClient(ctx, ep.Definition)
	if err != nil {
		return nil, err
	}
	return &s3Session{ep: ep, client: client}, nil
}

func (a *S3Adapter) Test(ctx context.Context, ep Endpoint) []models.Part {
	var parts []models.Part
	if ep.Direction != Push {
		return append(parts, fail("S3 Bucket", "S3 can only be a cruise data transfer destination"))
	}
	client, err := a.newClient(ctx, ep.Definition)
	if err != nil {
		return append(parts, fail("S3 Bucket", err.Error()))
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(ep.Definition.S3Bucket)}); err != nil {
		return append(parts, fail("S3 Bucket", fmt.Sprintf("Unable to access bucket %s: %v", ep.Definition.S3Bucket, err)))
	}
	parts = append(parts, pass("S3 Bucket"))
	if !isDir(ep.Local) {
		return append(parts, fail("Source Directory", fmt.Sprintf("Unable to find source directory: %s", ep.Local)))
	}
	return append(parts, pass("Source Directory"))
}

type s3Session struct {
	ep     Endpoint
	client S3API
}

func (s *s3Session) Files(ctx context.Context, opts reconcile.Options) (models.FileSet, reconcile.Stats, error) {
	opts.Root = s.ep.Local
	return reconcile.Local(ctx, opts)
}

func (s *s3Session) key(rel string) string {
	return strings.TrimLeft(path.Join(s.ep.Definition.S3Prefix, s.ep.Remote, rel), "/")
}

func (s *s3Session) Transfer(ctx context.Context, req Request) Outcome {
	bucket := aws.String(s.ep.Definition.S3Bucket)
	files := emptyFiles()
	files.Include = req.Include
	total := len(req.Include)
	for i, rel := range req.Include {
		local := filepath.Join(s.ep.Local, rel)
		info, err := os.Stat(local)
		if err != nil {
			// vanished since reconciliation
			continue
		}
		key := s.key(rel)
		isNew := false
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: aws.String(key)})
		var nf *types.NotFound
		switch {
		case errors.As(err, &nf):
			isNew = true
		case err != nil:
			return failed("Error checking s3://%s/%s: %v", s.ep.Definition.S3Bucket, key, err)
		case aws.ToInt64(head.ContentLength) == info.Size():
			s.progress(req, i+1, total)
			if req.Stop != nil && req.Stop.Stopped() {
				return Outcome{Verdict: true, Files: files}
			}
			continue
		}
		if err := s.put(ctx, bucket, key, local, info.Size()); err != nil {
			return failed("Error uploading %s: %v", rel, err)
		}
		if isNew {
			files.New = append(files.New, rel)
		} else {
			files.Updated = append(files.Updated, rel)
		}
		s.progress(req, i+1, total)
		if req.Stop != nil && req.Stop.Stopped() {
			log.WithField("bucket", s.ep.Definition.S3Bucket).Info("stop requested, ending upload early")
			return Outcome{Verdict: true, Files: files}
		}
	}
	return Outcome{Verdict: true, Files: files}
}

func (s *s3Session) progress(req Request, done, total int) {
	if req.Progress != nil && total > 0 {
		req.Progress(req.ProgressBase+req.ProgressRange*done/total, 100)
	}
}

func (s *s3Session) put(ctx context.Context, bucket *string, key, local string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        bucket,
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *s3Session) Close() error { return nil }
