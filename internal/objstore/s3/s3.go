// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements the objstore.ObjectStore contract on top of AWS S3
// using the aws api v1. Parameters of the http connection are carefully
// tuned for the best performance in the AWS environment.
package s3

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"

	"github.com/asch/bspool/internal/objstore"
)

// Number of keys per DeleteObjects call. The s3 api rejects larger batches.
const deleteBatchSize = 1000

// S3 implements objstore.ObjectStore with an S3 bucket as the backend.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

var _ objstore.ObjectStore = (*S3)(nil)

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	// For the best possible performance (throughput close to 10GB/s) it
	// should be tuned according to the object backend.
	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// The pool's objects are small (1 MiB data objects, smaller metadata
	// blobs), so multipart transfers do not help. Parallelism comes from
	// the engine issuing many requests at once instead.
	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// retry runs op, retrying transient backend failures (throttling, 5xx) with
// exponential backoff so they never surface to the engine. Permanent errors
// like a missing key are returned immediately.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func isTransient(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		return rf.StatusCode() >= 500 || rf.StatusCode() == 429
	}
	return false
}

func (s *S3) ObjectExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry(ctx, func() error {
		_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var rf awserr.RequestFailure
			if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})

	return exists, err
}

func (s *S3) GetObject(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)

	err := retry(ctx, func() error {
		_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})

	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, objstore.ErrNotFound
		}
		return nil, err
	}

	return buf.Bytes(), nil
}

func (s *S3) PutObject(ctx context.Context, key string, data []byte) error {
	return retry(ctx, func() error {
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

func (s *S3) ListObjects(ctx context.Context, prefix, startAfter string) ([]objstore.ObjectInfo, error) {
	var objects []objstore.ObjectInfo

	err := retry(ctx, func() error {
		objects = objects[:0]
		return s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:     aws.String(s.bucket),
			Prefix:     aws.String(prefix),
			StartAfter: aws.String(startAfter),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, o := range page.Contents {
				objects = append(objects, objstore.ObjectInfo{
					Key:  aws.StringValue(o.Key),
					Size: aws.Int64Value(o.Size),
				})
			}
			return true
		})
	})

	return objects, err
}

func (s *S3) DeleteObjects(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		keys = keys[len(batch):]

		ids := make([]*s3.ObjectIdentifier, len(batch))
		for i, key := range batch {
			ids[i] = &s3.ObjectIdentifier{Key: aws.String(key)}
		}

		err := retry(ctx, func() error {
			_, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3.Delete{
					Objects: ids,
					Quiet:   aws.Bool(true),
				},
			})
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}
