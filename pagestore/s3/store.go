// Package s3 implements a page store backed by Amazon S3 (or any
// S3-compatible object store). Each page is one object under a key prefix,
// and the logical page bound is tracked in a small sidecar object. This is
// the motivating "remote, asynchronous" backend for the suspension bridge:
// every page operation is a network round trip that the sandboxed engine
// waits out in a suspended state.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/sqlpages/pagestore"
)

const countKey = "pagecount"

// StoreArgs are parsed from the query arguments of an s3:// store URL.
type StoreArgs struct {
	// Profile of the shared credentials file to draw credentials from.
	// If empty, the default credential chain is used.
	Profile string
	// Endpoint to connect to. If empty, the default S3 service is used.
	Endpoint string
	// Region of the bucket. If empty, it is taken from the profile or the
	// default configuration.
	Region string
}

// Store is an S3-backed pagestore.Store.
type Store struct {
	bucket string
	prefix string
	client *s3.S3

	mu    sync.Mutex
	count uint32
	// count is loaded from the sidecar object on first use and maintained
	// locally afterwards; a store instance assumes it is the only writer.
	loaded bool
}

// New creates a Store from an s3://bucket/prefix?args URL.
func New(ep *url.URL) (*Store, error) {
	if ep.Scheme != "s3" {
		return nil, fmt.Errorf("s3: unexpected scheme %q", ep.Scheme)
	}
	var args = StoreArgs{
		Profile:  ep.Query().Get("profile"),
		Endpoint: ep.Query().Get("endpoint"),
		Region:   ep.Query().Get("region"),
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var awsConfig = aws.NewConfig()
	awsConfig.WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		awsConfig.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		awsConfig.WithEndpoint(args.Endpoint)
		// Bucket-named virtual hosts are not compatible with explicit
		// endpoints, so force path style.
		awsConfig.WithS3ForcePathStyle(true)
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		Profile: args.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing S3 session: %w", err)
	}

	log.WithFields(log.Fields{
		"bucket":   bucket,
		"prefix":   prefix,
		"endpoint": args.Endpoint,
		"profile":  args.Profile,
	}).Info("constructed S3 page store")

	return &Store{
		bucket: bucket,
		prefix: prefix,
		client: s3.New(awsSession, awsConfig),
	}, nil
}

func (s *Store) pageKey(index uint32) string {
	return fmt.Sprintf("%spages/%010d", s.prefix, index)
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.RequestFailure); ok {
		return awsErr.StatusCode() == http.StatusNotFound
	}
	return false
}

func (s *Store) loadCount(ctx context.Context) (uint32, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + countKey),
	})
	if isNotFound(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("s3: fetching %s: %w", countKey, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("s3: reading %s: %w", countKey, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("s3: malformed %s %q: %w", countKey, raw, err)
	}
	return uint32(n), nil
}

func (s *Store) storeCount(ctx context.Context, count uint32) error {
	var body = strconv.FormatUint(uint64(count), 10)
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + countKey),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("s3: storing %s: %w", countKey, err)
	}
	return nil
}

// currentCount must be called with s.mu held.
func (s *Store) currentCount(ctx context.Context) (uint32, error) {
	if !s.loaded {
		count, err := s.loadCount(ctx)
		if err != nil {
			return 0, err
		}
		s.count, s.loaded = count, true
	}
	return s.count, nil
}

func (s *Store) PageCount(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentCount(ctx)
}

func (s *Store) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(index)),
	})
	if isNotFound(err) {
		return pagestore.ZeroPage(), nil
	} else if err != nil {
		return nil, fmt.Errorf("s3: fetching page %d: %w", index, err)
	}
	defer resp.Body.Close()

	page := make([]byte, pagestore.PageSize)
	if _, err := io.ReadFull(resp.Body, page); err != nil {
		return nil, fmt.Errorf("s3: reading page %d: %w", index, err)
	}
	return page, nil
}

func (s *Store) PutPage(ctx context.Context, index uint32, page []byte) error {
	if len(page) != pagestore.PageSize {
		return fmt.Errorf("s3: page must be exactly %d bytes, got %d", pagestore.PageSize, len(page))
	}
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(index)),
		Body:   bytes.NewReader(page),
	})
	if err != nil {
		return fmt.Errorf("s3: storing page %d: %w", index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.currentCount(ctx)
	if err != nil {
		return err
	}
	if index+1 > count {
		if err := s.storeCount(ctx, index+1); err != nil {
			return err
		}
		s.count = index + 1
	}
	return nil
}

func (s *Store) DelPage(ctx context.Context, index uint32) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(index)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: deleting page %d: %w", index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.currentCount(ctx)
	if err != nil {
		return err
	}
	if index+1 == count {
		if err := s.storeCount(ctx, index); err != nil {
			return err
		}
		s.count = index
	}
	return nil
}
