// Package s3session is a gridftp.Session over an S3 bucket.
//
// URLs name the bucket as their host and the key as their path, as in s3://bucket/some/key.
// A PUT is buffered and uploaded whole once its last write is in;
// a partial PUT first fetches the object, and uploads it with the window written over.
package s3session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/xfer"
)

// S3API is the part of the S3 client a session uses.
type S3API interface {
	HeadObject(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

// Option specifies an option that can be set on a session.
type Option func(*conn) error

// WithPrefix keeps every key under prefix. Paths cannot escape it.
func WithPrefix(prefix string) Option {
	return func(c *conn) error {
		c.prefix = strings.Trim(prefix, "/")
		return nil
	}
}

// WithKMSKey encrypts uploads with the given KMS key, instead of with AES256.
func WithKMSKey(id string) Option {
	return func(c *conn) error {
		c.kmsKeyID = aws.String(id)
		return nil
	}
}

// WithLogger sets the logger the session logs to.
func WithLogger(l *logrus.Logger) Option {
	return func(c *conn) error {
		c.log = l.WithField("component", "s3session")
		return nil
	}
}

// New returns a session over api.
func New(api S3API, opts ...Option) (*xfer.Session, error) {
	c := &conn{
		api: api,
		log: logrus.StandardLogger().WithField("component", "s3session"),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return xfer.NewSession(c, c.log), nil
}

// NewS3API creates an S3 client for region.
// Empty credentials fall back to the default AWS credential chain.
func NewS3API(region, accessKeyID, secretKey, token string) (S3API, error) {
	config := aws.NewConfig().WithRegion(region)
	if accessKeyID != "" {
		config = config.WithCredentials(credentials.NewStaticCredentials(accessKeyID, secretKey, token))
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}

	return s3.New(sess), nil
}

// Factory returns a gridftp.SessionFactory creating clients for region.
// A contact's user and password, if given, are used as access key id and secret key.
func Factory(region string, opts ...Option) gridftp.SessionFactory {
	return func(contact *gridftp.ContactInfo, _ *gridftp.OperationAttr) (gridftp.Session, error) {
		api, err := NewS3API(region, contact.User, contact.Pass, "")
		if err != nil {
			return nil, err
		}

		return New(api, opts...)
	}
}

type conn struct {
	api      S3API
	prefix   string
	kmsKeyID *string
	log      *logrus.Entry
}

type object struct {
	bucket string
	key    string
}

func (c *conn) objectOf(rawURL string) (object, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return object{}, errors.Wrap(gridftp.ErrParameter, err.Error())
	}

	if u.Host == "" {
		return object{}, errors.Wrapf(gridftp.ErrParameter, "no bucket in %q", u.Redacted())
	}

	key := translatePath(c.prefix, u.Path)
	if key == "" || strings.HasSuffix(key, "/") {
		return object{}, errors.Wrapf(gridftp.ErrParameter, "no object key in %q", u.Redacted())
	}

	return object{bucket: u.Host, key: key}, nil
}

// translatePath cleans p and places it under prefix.
// It resolves things like '..' while disallowing the prefix to be escaped,
// and preserves a single trailing slash.
func translatePath(prefix, p string) string {
	clean := path.Join(prefix, path.Clean("/"+p))
	if strings.HasSuffix(p, "/") && clean != prefix {
		clean += "/"
	}
	return strings.TrimLeft(clean, "/")
}

func isNotFound(err error) bool {
	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) && rerr.StatusCode() == http.StatusNotFound {
		return true
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}

	return false
}

func isInvalidRange(err error) bool {
	var rerr awserr.RequestFailure
	return errors.As(err, &rerr) && rerr.StatusCode() == http.StatusRequestedRangeNotSatisfiable
}

func (c *conn) Size(rawURL string) (int64, error) {
	obj, err := c.objectOf(rawURL)
	if err != nil {
		return -1, err
	}

	out, err := c.api.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(obj.bucket),
		Key:    aws.String(obj.key),
	})
	if err != nil {
		if isNotFound(err) {
			return -1, errors.Wrap(gridftp.ErrNotFound, obj.key)
		}
		return -1, errors.Wrap(err, "head object")
	}

	return aws.Int64Value(out.ContentLength), nil
}

func (c *conn) Get(rawURL string, start, end int64) (xfer.Backend, error) {
	obj, err := c.objectOf(rawURL)
	if err != nil {
		return nil, err
	}

	return &getter{c: c, obj: obj, start: start, end: end}, nil
}

func (c *conn) Put(rawURL string, start, end int64, truncate bool) (xfer.Backend, error) {
	obj, err := c.objectOf(rawURL)
	if err != nil {
		return nil, err
	}

	return &putter{c: c, obj: obj, merge: !truncate}, nil
}

func (c *conn) Close() error {
	return nil
}

// byteRange is the Range header for [start, end), or nil for the whole object.
func byteRange(start, end int64) *string {
	switch {
	case end >= 0:
		return aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1))
	case start > 0:
		return aws.String(fmt.Sprintf("bytes=%d-", start))
	default:
		return nil
	}
}

// fetch downloads [start, end) of obj.
// A range starting past the end of the object is empty.
func (c *conn) fetch(obj object, start, end int64) (io.ReadCloser, int64, error) {
	out, err := c.api.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(obj.bucket),
		Key:    aws.String(obj.key),
		Range:  byteRange(start, end),
	})
	switch {
	case err == nil:
		return out.Body, aws.Int64Value(out.ContentLength), nil
	case isInvalidRange(err):
		return io.NopCloser(bytes.NewReader(nil)), 0, nil
	case isNotFound(err):
		return nil, 0, errors.Wrap(gridftp.ErrNotFound, obj.key)
	default:
		return nil, 0, errors.Wrap(err, "get object")
	}
}

// getter streams a ranged GetObject.
type getter struct {
	c     *conn
	obj   object
	start int64
	end   int64

	left int64

	mu          sync.Mutex
	body        io.ReadCloser
	interrupted bool
}

func (g *getter) open() error {
	body, length, err := g.c.fetch(g.obj, g.start, g.end)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interrupted {
		body.Close()
		return xfer.ErrAborted
	}

	g.body = body
	g.left = length
	return nil
}

func (g *getter) Read(buf []byte) (int, bool, error) {
	if g.end >= 0 && g.end <= g.start {
		return 0, true, nil
	}

	if g.body == nil {
		if err := g.open(); err != nil {
			return 0, false, err
		}
	}

	if int64(len(buf)) > g.left {
		buf = buf[:g.left]
	}

	n, err := io.ReadFull(g.body, buf)
	g.left -= int64(n)

	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return n, true, nil
	case err != nil:
		return n, false, errors.Wrap(err, "get object")
	}

	return n, g.left == 0, nil
}

func (g *getter) Write([]byte, int64) error {
	return errors.New("write on a get")
}

func (g *getter) Finish(bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.body == nil {
		return nil
	}

	err := g.body.Close()
	g.body = nil
	return err
}

func (g *getter) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.interrupted = true
	if g.body != nil {
		g.body.Close()
	}
}

// putter buffers the writes of a PUT, and uploads the result when it finishes.
type putter struct {
	c     *conn
	obj   object
	merge bool

	loaded bool
	data   []byte
}

// load fetches the object a partial PUT writes into. A missing object starts out empty.
func (p *putter) load() error {
	if p.loaded || !p.merge {
		p.loaded = true
		return nil
	}

	body, _, err := p.c.fetch(p.obj, 0, -1)
	if err != nil {
		if gridftp.IsNotFound(err) {
			p.loaded = true
			return nil
		}
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, "get object")
	}

	p.data = data
	p.loaded = true
	return nil
}

func (p *putter) Read([]byte) (int, bool, error) {
	return 0, false, errors.New("read on a put")
}

func (p *putter) Write(buf []byte, offset int64) error {
	if err := p.load(); err != nil {
		return err
	}

	if need := offset + int64(len(buf)); need > int64(len(p.data)) {
		grown := make([]byte, need)
		copy(grown, p.data)
		p.data = grown
	}

	copy(p.data[offset:], buf)
	return nil
}

func (p *putter) Finish(aborted bool) error {
	if aborted {
		p.data = nil
		return nil
	}

	if err := p.load(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.obj.bucket),
		Key:    aws.String(p.obj.key),
		Body:   bytes.NewReader(p.data),
	}
	if p.c.kmsKeyID == nil {
		input.ServerSideEncryption = aws.String("AES256")
	} else {
		input.ServerSideEncryption = aws.String("aws:kms")
		input.SSEKMSKeyId = aws.String(*p.c.kmsKeyID)
	}

	if _, err := p.c.api.PutObject(input); err != nil {
		return errors.Wrap(err, "put object")
	}

	p.c.log.WithFields(logrus.Fields{
		"bucket": p.obj.bucket,
		"key":    p.obj.key,
		"bytes":  len(p.data),
	}).Debug("object uploaded")
	return nil
}

// Interrupt does nothing: buffered writes never block.
func (p *putter) Interrupt() {}
