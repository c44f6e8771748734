// Package rulesync downloads managed ruleset files from an S3 prefix into
// the install tree.
package rulesync

import (
	"context"
	"io"
	"net/url"
	"os"
	gopath "path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// objectLister is the slice of the S3 API used to enumerate ruleset objects.
type objectLister interface {
	ListObjectsV2PagesWithContext(aws.Context, *s3.ListObjectsV2Input, func(*s3.ListObjectsV2Output, bool) bool, ...request.Option) error
}

// objectDownloader is the slice of the transfer manager API used to fetch
// object contents.
type objectDownloader interface {
	DownloadWithContext(aws.Context, io.WriterAt, *s3.GetObjectInput, ...func(*s3manager.Downloader)) (int64, error)
}

// Syncer copies every object under an S3 prefix into a local directory.
type Syncer struct {
	fsys       afero.Fs
	lister     objectLister
	downloader objectDownloader
	log        logrus.FieldLogger
}

// New builds a Syncer on the default AWS credential chain.
func New(fsys afero.Fs, log logrus.FieldLogger) (*Syncer, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create AWS session")
	}
	return &Syncer{
		fsys:       fsys,
		lister:     s3.New(sess),
		downloader: s3manager.NewDownloader(sess),
		log:        log,
	}, nil
}

// ParsePath splits an s3://bucket/prefix URI into bucket and prefix.
func ParsePath(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrapf(err, "parse ruleset path %q", raw)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Errorf("ruleset path %q is not an s3://bucket/prefix URI", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Sync downloads every object under rulesetPath into destDir. Object keys are
// flattened to their base name; pseudo-directory keys are skipped.
func (s *Syncer) Sync(ctx context.Context, rulesetPath, destDir string) error {
	bucket, prefix, err := ParsePath(rulesetPath)
	if err != nil {
		return err
	}

	if err := s.fsys.MkdirAll(destDir, 0o750); err != nil {
		return errors.Wrapf(err, "mkdir %s", destDir)
	}

	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err = s.lister.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return errors.Wrapf(err, "list s3://%s/%s", bucket, prefix)
	}
	if len(keys) == 0 {
		s.log.WithField("path", rulesetPath).Warn("Ruleset path matched no objects")
		return nil
	}

	for _, key := range keys {
		if err := s.fetch(ctx, bucket, key, destDir); err != nil {
			return err
		}
	}
	s.log.WithField("count", len(keys)).WithField("dir", destDir).Info("Ruleset sync complete")
	return nil
}

func (s *Syncer) fetch(ctx context.Context, bucket, key, destDir string) error {
	dest := filepath.Join(destDir, gopath.Base(key))
	f, err := s.fsys.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return errors.Wrapf(err, "open %s", dest)
	}

	_, err = s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "download s3://%s/%s", bucket, key)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dest)
	}

	s.log.WithField("file", dest).Info("Downloaded ruleset file")
	return nil
}
