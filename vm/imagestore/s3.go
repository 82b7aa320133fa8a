/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package imagestore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Factory mirrors storage/persistence-s3.go's S3Factory: connection
// parameters for an AWS- or MinIO-compatible bucket.
type S3Factory struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

func (f *S3Factory) Open(namespace string) Store {
	pfx := strings.TrimSuffix(f.Prefix, "/")
	if pfx != "" {
		pfx = pfx + "/" + namespace
	} else {
		pfx = namespace
	}
	return &S3Store{factory: f, prefix: pfx}
}

// S3Store persists images as objects under <prefix>/<name>.img, grounded
// on storage/persistence-s3.go's S3Storage (lazy client init via
// ensureOpen, aws-sdk-go-v2's config/credentials/s3 packages).
type S3Store struct {
	factory *S3Factory
	prefix  string

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func (s *S3Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if s.factory.Region != "" {
		opts = append(opts, config.WithRegion(s.factory.Region))
	}
	if s.factory.AccessKeyID != "" && s.factory.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s.factory.AccessKeyID, s.factory.SecretAccessKey, "",
			),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}

	var s3Opts []func(*s3.Options)
	if s.factory.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(s.factory.Endpoint) })
	}
	if s.factory.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	s.client = s3.NewFromConfig(cfg, s3Opts...)
	s.opened = true
	return nil
}

func (s *S3Store) key(name string) string {
	return s.prefix + "/" + sanitizeName(name) + ".img"
}

func (s *S3Store) ReadImage(name string) (io.ReadCloser, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.factory.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type s3WriteCloser struct {
	store *S3Store
	key   string
	buf   bytes.Buffer
}

func (w *s3WriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3WriteCloser) Close() error {
	_, err := w.store.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.store.factory.Bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}

func (s *S3Store) WriteImage(name string) (io.WriteCloser, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return &s3WriteCloser{store: s, key: s.key(name)}, nil
}

func (s *S3Store) RemoveImage(name string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.factory.Bucket),
		Key:    aws.String(s.key(name)),
	})
	return err
}

func (s *S3Store) ListImages() ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.factory.Bucket),
		Prefix: aws.String(s.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return names, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			base := strings.TrimPrefix(*obj.Key, s.prefix+"/")
			names = append(names, strings.TrimSuffix(base, ".img"))
		}
	}
	return names, nil
}
