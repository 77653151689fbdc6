package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

const (
	MinPartSizeMB    = config.MinPartSizeMB
	MinPartSizeBytes = MinPartSizeMB * 1024 * 1024
)

// API is the part of the SDK client this package uses.
type API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Options struct {
	Endpoint                string
	Region                  string
	AccessKey               string
	SecretKey               string
	Bucket                  string
	Prefix                  string
	PathStyle               bool
	InsecureSkipVerify      bool
	DisableRequestChecksums bool

	Retry           RetryPolicy
	OpTimeout       time.Duration
	CompleteTimeout time.Duration
	// MaxBytesPerSecond caps transfer bandwidth; 0 means unlimited.
	MaxBytesPerSecond int64
}

// OptionsFromConfig maps the s3 and transfer sections onto client options.
func OptionsFromConfig(s *config.S3Config, t config.TransferConfig) Options {
	o := Options{
		Retry: RetryPolicy{
			MaxAttempts: t.MaxAttempts,
			BaseDelay:   t.BaseDelay,
			MaxDelay:    t.MaxDelay,
		},
		OpTimeout:         t.OpTimeout,
		CompleteTimeout:   t.CompleteTimeout,
		MaxBytesPerSecond: t.MaxBytesPerSecond,
	}
	if s != nil {
		o.Endpoint = s.Endpoint
		o.Region = s.Region
		o.AccessKey = s.AccessKey
		o.SecretKey = s.SecretKey
		o.Bucket = s.Bucket
		o.Prefix = s.Prefix
		o.PathStyle = s.PathStyle
		o.DisableRequestChecksums = s.DisableRequestChecksums
		o.InsecureSkipVerify = s.TLS != nil && s.TLS.InsecureSkipVerify
	}
	return o
}

// Client wraps the SDK with key prefixing, the retry policy, per-operation
// timeouts and an optional bandwidth limit. It is safe for concurrent use.
type Client struct {
	api             API
	bucket          string
	prefix          string
	retry           RetryPolicy
	opTimeout       time.Duration
	completeTimeout time.Duration
	limiter         *rate.Limiter
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fault.Newf(fault.KindConfiguration, "s3", "bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	var endpoint string
	if strings.TrimSpace(opts.Endpoint) != "" {
		endpointURL, err := url.Parse(strings.TrimSpace(opts.Endpoint))
		if err != nil {
			return nil, fault.Configuration("s3 endpoint", err)
		}
		if endpointURL.Scheme == "" {
			endpointURL, err = url.Parse("https://" + strings.TrimSpace(opts.Endpoint))
			if err != nil {
				return nil, fault.Configuration("s3 endpoint", err)
			}
		}
		endpoint = endpointURL.String()
	}

	cfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		// Retries are ours: per part, with our own classification.
		Retryer: func() aws.Retryer { return aws.NopRetryer{} },
	}

	httpClient := http.DefaultClient
	if opts.InsecureSkipVerify {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = opts.PathStyle || endpoint != ""
		o.HTTPClient = httpClient
		if opts.DisableRequestChecksums {
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return NewWithAPI(client, opts), nil
}

// NewWithAPI builds a Client over any API implementation.
func NewWithAPI(api API, opts Options) *Client {
	c := &Client{
		api:             api,
		bucket:          opts.Bucket,
		prefix:          config.NormalizePrefix(opts.Prefix),
		retry:           opts.Retry.withDefaults(),
		opTimeout:       opts.OpTimeout,
		completeTimeout: opts.CompleteTimeout,
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 5 * time.Minute
	}
	if c.completeTimeout <= 0 {
		c.completeTimeout = 2 * time.Minute
	}
	if opts.MaxBytesPerSecond > 0 {
		burst := int(opts.MaxBytesPerSecond)
		if burst > limiterBurst {
			burst = limiterBurst
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSecond), burst)
	}
	return c
}

func (c *Client) Key(relative string) string {
	relative = strings.Trim(relative, "/")
	if c.prefix == "" {
		return relative
	}
	return path.Join(c.prefix, relative)
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) Prefix() string {
	return c.prefix
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Head returns the object's metadata, or a NotFound error.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := c.do(ctx, "head "+key, func(ctx context.Context) error {
		out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Key:  key,
			Size: aws.ToInt64(out.ContentLength),
			ETag: aws.ToString(out.ETag),
		}
		if out.LastModified != nil {
			info.LastModified = *out.LastModified
		}
		return nil
	})
	return info, err
}

// Exists reports whether key is present. Errors other than not-found are
// returned.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if fault.Is(err, fault.KindNotFound) {
		return false, nil
	}
	return false, err
}

// Put stores a small object in one request.
func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	return c.do(ctx, "put "+key, func(ctx context.Context) error {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		return err
	})
}

// ErrExists is returned by PutIfAbsent when the key is already taken.
var ErrExists = errors.New("object already exists")

// PutIfAbsent stores body only if key does not exist yet, using a
// conditional write so two writers cannot both succeed.
func (c *Client) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	err := c.do(ctx, "put "+key, func(ctx context.Context) error {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			IfNoneMatch:   aws.String("*"),
		})
		return err
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return ErrExists
		}
	}
	return err
}

// Get reads a small object fully.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, "get "+key, func(ctx context.Context) error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	return data, err
}

// Delete removes key. An object that is already absent counts as deleted.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.do(ctx, "delete "+key, func(ctx context.Context) error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	return err
}

// List returns every object under prefix (a full key prefix).
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := c.do(ctx, "list "+prefix, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := ObjectInfo{
				Key:  *obj.Key,
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "list "+c.bucket, func(ctx context.Context) error {
		_, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			Prefix:  aws.String(c.Key("")),
			MaxKeys: aws.Int32(1),
		})
		return err
	})
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	err := c.do(ctx, "head bucket "+c.bucket, func(ctx context.Context) error {
		_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
		return err
	})
	if err == nil || !fault.Is(err, fault.KindNotFound) {
		return err
	}
	return c.do(ctx, "create bucket "+c.bucket, func(ctx context.Context) error {
		_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return err
	})
}

func (c *Client) String() string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, c.prefix)
}
