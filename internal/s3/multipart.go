package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dbkp/internal/fault"
)

// Part is one acknowledged part of a multipart upload.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// UploadSession tracks one multipart upload. Parts may be recorded from
// several goroutines.
type UploadSession struct {
	Key      string
	UploadID string

	mu    sync.Mutex
	parts map[int32]Part
	last  int32
}

func (s *UploadSession) record(p Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[p.Number] = p
}

// expect notes that parts 1..n were issued, so Complete can tell a missing
// acknowledgement from a part that was never sent.
func (s *UploadSession) expect(n int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.last {
		s.last = n
	}
}

// Parts returns the acknowledged parts in part-number order.
func (s *UploadSession) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Part, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// BeginUpload allocates a multipart upload for key.
func (c *Client) BeginUpload(ctx context.Context, key string) (*UploadSession, error) {
	var uploadID string
	err := c.do(ctx, "create multipart upload "+key, func(ctx context.Context) error {
		out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, fault.Newf(fault.KindTransferPermanent, "create multipart upload "+key, "storage returned no upload id")
	}
	return &UploadSession{Key: key, UploadID: uploadID, parts: make(map[int32]Part)}, nil
}

// UploadPart sends one part, retrying transient failures on its own, and
// returns the part's ETag.
func (c *Client) UploadPart(ctx context.Context, s *UploadSession, number int32, data []byte) (string, error) {
	s.expect(number)
	op := fmt.Sprintf("upload part %d", number)
	var etag string
	err := c.do(ctx, op, func(ctx context.Context) error {
		if err := c.waitBandwidth(ctx, len(data)); err != nil {
			return err
		}
		out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(s.Key),
			UploadId:      aws.String(s.UploadID),
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", fault.Newf(fault.KindTransferPermanent, op, "storage returned no ETag")
	}
	s.record(Part{Number: number, ETag: etag, Size: int64(len(data))})
	return etag, nil
}

// CompleteUpload commits the upload and returns the stored object size. It
// refuses to commit while any issued part lacks an ETag.
//
// Complete is never retried: a timed out finalize may already have
// committed. Instead the object is looked up; if it exists with the expected
// size the upload counts as committed, otherwise the call fails permanently
// and the caller aborts.
func (c *Client) CompleteUpload(ctx context.Context, s *UploadSession) (int64, error) {
	op := "complete multipart upload " + s.Key
	parts := s.Parts()

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == 0 {
		return 0, fault.Newf(fault.KindTransferPermanent, op, "no parts uploaded")
	}
	if int32(len(parts)) != last {
		return 0, fault.Newf(fault.KindTransferPermanent, op, "%d of %d parts acknowledged", len(parts), last)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	var size int64
	for i, p := range parts {
		if p.Number != int32(i+1) || p.ETag == "" {
			return 0, fault.Newf(fault.KindTransferPermanent, op, "part %d has no ETag", i+1)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
		size += p.Size
	}

	cctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()
	_, err := c.api.CompleteMultipartUpload(cctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(s.Key),
		UploadId: aws.String(s.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err == nil {
		return size, nil
	}
	classified := classify(ctx, op, err)
	if !fault.IsTransient(classified) {
		return 0, classified
	}

	// Ambiguous: the commit may or may not have happened.
	info, headErr := c.Head(ctx, s.Key)
	if headErr == nil && info.Size == size {
		return size, nil
	}
	if headErr == nil {
		return 0, fault.Permanent(op, fmt.Errorf("finalize outcome unknown and stored object has %d bytes, want %d: %w", info.Size, size, err))
	}
	if fault.Is(headErr, fault.KindNotFound) {
		return 0, fault.Permanent(op, fmt.Errorf("finalize failed and object is absent: %w", err))
	}
	return 0, fault.Permanent(op, errors.Join(err, headErr))
}

// AbortUpload releases every part of an uncommitted upload. An upload that
// no longer exists counts as aborted.
func (c *Client) AbortUpload(ctx context.Context, s *UploadSession) error {
	return c.AbortUploadID(ctx, s.Key, s.UploadID)
}

// AbortUploadID aborts an upload known only by key and id, such as one left
// behind by a crashed run.
func (c *Client) AbortUploadID(ctx context.Context, key, uploadID string) error {
	err := c.do(ctx, "abort multipart upload "+key, func(ctx context.Context) error {
		_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return err
	})
	if err == nil {
		return nil
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
		return nil
	}
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	return err
}
