// Package s3test provides an in-memory object store that satisfies s3.API,
// with hooks for injecting failures into individual calls.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Op names passed to Fail.
const (
	OpCreate   = "CreateMultipartUpload"
	OpPart     = "UploadPart"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
	OpGet      = "GetObject"
	OpHead     = "HeadObject"
	OpPut      = "PutObject"
	OpDelete   = "DeleteObject"
	OpList     = "ListObjectsV2"
)

// Call identifies one request for failure injection. Attempt counts calls
// with the same Op, Key and Part, starting at 1.
type Call struct {
	Op      string
	Key     string
	Part    int32
	Attempt int
}

type Object struct {
	Data         []byte
	ETag         string
	LastModified time.Time
}

type upload struct {
	key   string
	parts map[int32][]byte
}

// Fake is safe for concurrent use.
type Fake struct {
	// Fail, when set, runs before each call; a non-nil error fails the call
	// without side effects.
	Fail func(c Call) error
	// CommitThenFail, when set, is returned by CompleteMultipartUpload after
	// the object has been committed.
	CommitThenFail error
	// BreakBody makes the n-th GetObject body (1-based) fail after the given
	// number of bytes. Missing entries mean the body is served whole.
	BreakBody map[int]int64
	// PartDelay slows every UploadPart down.
	PartDelay time.Duration
	// Now stamps objects; defaults to time.Now.
	Now func() time.Time

	mu          sync.Mutex
	objects     map[string]*Object
	uploads     map[string]*upload
	attempts    map[string]int
	partCalls   map[int32]int
	nextID      int
	gets        int
	inflight    int
	maxInflight int
	aborted     []string
	completed   []string
	buckets     map[string]bool
}

func New() *Fake {
	return &Fake{
		objects:   make(map[string]*Object),
		uploads:   make(map[string]*upload),
		attempts:  make(map[string]int),
		partCalls: make(map[int32]int),
		buckets:   make(map[string]bool),
	}
}

// Transient is an error classified as retryable.
func Transient(msg string) error {
	return &smithy.GenericAPIError{Code: "InternalError", Message: msg}
}

// Permanent is an error classified as not retryable.
func Permanent(msg string) error {
	return &smithy.GenericAPIError{Code: "AccessDenied", Message: msg}
}

func (f *Fake) check(op, key string, part int32) error {
	f.mu.Lock()
	id := fmt.Sprintf("%s|%s|%d", op, key, part)
	f.attempts[id]++
	attempt := f.attempts[id]
	if op == OpPart {
		f.partCalls[part]++
	}
	hook := f.Fail
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(Call{Op: op, Key: key, Part: part, Attempt: attempt})
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// PutRaw stores an object directly.
func (f *Fake) PutRaw(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &Object{Data: append([]byte(nil), data...), ETag: etagOf(data), LastModified: f.now()}
}

// Object returns a copy of a stored object's bytes.
func (f *Fake) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.Data...), true
}

// SetLastModified backdates an object.
func (f *Fake) SetLastModified(key string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objects[key]; ok {
		o.LastModified = t
	}
}

// Keys lists stored object keys in order.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenUploads returns the ids of multipart uploads neither completed nor
// aborted.
func (f *Fake) OpenUploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.uploads))
	for id := range f.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartUpload opens a multipart upload outside of any client, as a crashed
// run would have left it.
func (f *Fake) StartUpload(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &upload{key: key, parts: make(map[int32][]byte)}
	return id
}

func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func (f *Fake) Completed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// PartCalls reports how many UploadPart requests carried part number n,
// across all uploads and including failed ones.
func (f *Fake) PartCalls(n int32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partCalls[n]
}

// MaxInflight is the highest number of concurrent UploadPart calls seen.
func (f *Fake) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// Gets counts GetObject requests.
func (f *Fake) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *Fake) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpCreate, key, 0); err != nil {
		return nil, err
	}
	id := f.StartUpload(key)
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (f *Fake) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	key := aws.ToString(in.Key)
	number := aws.ToInt32(in.PartNumber)
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if err := f.check(OpPart, key, number); err != nil {
		return nil, err
	}
	if f.PartDelay > 0 {
		select {
		case <-time.After(f.PartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok || u.key != key {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	u.parts[number] = data
	return &s3.UploadPartOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *Fake) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpComplete, key, 0); err != nil {
		return nil, err
	}

	f.mu.Lock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok || u.key != key {
		f.mu.Unlock()
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	var (
		buf   bytes.Buffer
		count int
	)
	if in.MultipartUpload != nil {
		for i, p := range in.MultipartUpload.Parts {
			n := aws.ToInt32(p.PartNumber)
			data, ok := u.parts[n]
			if !ok || n != int32(i+1) || aws.ToString(p.ETag) != etagOf(data) {
				f.mu.Unlock()
				return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d", n)}
			}
			buf.Write(data)
			count++
		}
	}
	if count == 0 {
		f.mu.Unlock()
		return nil, &smithy.GenericAPIError{Code: "MalformedXML", Message: "no parts"}
	}
	sum := md5.Sum(buf.Bytes())
	f.objects[key] = &Object{
		Data:         buf.Bytes(),
		ETag:         fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(sum[:]), count),
		LastModified: f.now(),
	}
	delete(f.uploads, id)
	f.completed = append(f.completed, id)
	commitErr := f.CommitThenFail
	f.mu.Unlock()

	if commitErr != nil {
		return nil, commitErr
	}
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *Fake) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpAbort, key, 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *Fake) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpGet, key, 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	o, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(key)}
	}
	if in.IfMatch != nil && aws.ToString(in.IfMatch) != o.ETag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag changed"}
	}
	var offset int64
	if r := aws.ToString(in.Range); r != "" {
		spec := strings.TrimSuffix(strings.TrimPrefix(r, "bytes="), "-")
		n, err := strconv.ParseInt(spec, 10, 64)
		if err != nil || n < 0 || n > int64(len(o.Data)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange", Message: r}
		}
		offset = n
	}
	data := append([]byte(nil), o.Data[offset:]...)
	var body io.Reader = bytes.NewReader(data)
	if limit, ok := f.BreakBody[f.gets]; ok && limit < int64(len(data)) {
		body = io.MultiReader(bytes.NewReader(data[:limit]), errReader{errors.New("connection reset by peer")})
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(body),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(o.ETag),
		LastModified:  aws.Time(o.LastModified),
	}, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func (f *Fake) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpHead, key, 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String(key)}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.Data))),
		ETag:          aws.String(o.ETag),
		LastModified:  aws.Time(o.LastModified),
	}, nil
}

func (f *Fake) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpPut, key, 0); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
		}
	}
	f.objects[key] = &Object{Data: data, ETag: etagOf(data), LastModified: f.now()}
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *Fake) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.check(OpDelete, key, 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 honours Prefix, MaxKeys and ContinuationToken.
func (f *Fake) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	if err := f.check(OpList, prefix, 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		o := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(o.Data))),
			ETag:         aws.String(o.ETag),
			LastModified: aws.Time(o.LastModified),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *Fake) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{Message: aws.String("bucket")}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *Fake) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.BucketAlreadyOwnedByYou{Message: aws.String("owned")}
	}
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

// HasBucket reports whether CreateBucket was called for name.
func (f *Fake) HasBucket(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[name]
}
