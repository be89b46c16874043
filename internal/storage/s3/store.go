package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/circuit"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/retry"
	"github.com/objectfs/boxfs/pkg/types"
)

// Store keeps an ID-addressed object tree in an S3 bucket.
//
// Object layout below the configured prefix:
//
//	blobs/<id>                    file content
//	items/<id>.json               the entry of every file and folder
//	folders/<id>.json             JSON array of a folder's child entries
//	events/<unixnano>-<id>.json   change journal read by Changes
//
// Folder manifests are rewritten read-modify-write. Mutations are serialized
// within one Store; concurrent writers on the same prefix are not supported.
type Store struct {
	api      objectAPI
	uploader blobUploader
	bucket   string
	prefix   string

	retryer *retry.Retryer
	breaker *circuit.Breaker
	metrics metricsCollector
	logger  *zap.Logger

	now   func() time.Time
	newID func() string

	// mu serializes mutations.
	mu sync.Mutex
}

var (
	_ remote.Client     = (*Store)(nil)
	_ remote.ChangeFeed = (*Store)(nil)
)

// New connects to the bucket and makes sure the root folder exists.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, errors.Fatal("failed to create S3 client", err).WithComponent("s3")
	}

	s := newStore(client, cfg)
	if cfg.Accelerated {
		s.uploader = newCargoUploader(client, cfg, s.logger)
	}

	err = s.call(ctx, "HeadBucket", "", func(ctx context.Context) error {
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("S3 health check failed: %w", err)
	}

	if err := s.ensureRoot(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("S3 store ready", zap.String("bucket", s.bucket), zap.String("prefix", s.prefix))
	return s, nil
}

func newStore(api objectAPI, cfg *Config) *Store {
	logger := logging.OrNop(cfg.Logger).Named("s3").With(zap.String("bucket", cfg.Bucket))
	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying S3 request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	circuitCfg := cfg.Circuit
	circuitCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		api:     api,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		retryer: retry.New(retryCfg),
		breaker: circuit.New("s3:"+cfg.Bucket, circuitCfg),
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// GetMetrics returns request statistics.
func (s *Store) GetMetrics() StoreMetrics {
	m := s.metrics.snapshot()
	m.CircuitState = s.breaker.Snapshot().State.String()
	return m
}

func (s *Store) ensureRoot(ctx context.Context) error {
	_, err := s.item(ctx, remote.RootID)
	if !errors.IsNotFound(err) {
		return err
	}

	ts := s.now()
	root := &types.Entry{
		ID:         remote.RootID,
		Type:       types.TypeFolder,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}
	if err := s.putJSON(ctx, s.manifestKey(root.ID), []*types.Entry{}); err != nil {
		return err
	}
	if err := s.putJSON(ctx, s.itemKey(root.ID), root); err != nil {
		return err
	}
	s.logger.Info("initialized empty tree")
	return nil
}

func (s *Store) Root(ctx context.Context) (*types.Entry, error) {
	return s.typed(ctx, remote.RootID, types.TypeFolder)
}

func (s *Store) ListChildren(ctx context.Context, folderID string) ([]*types.Entry, error) {
	if _, err := s.typed(ctx, folderID, types.TypeFolder); err != nil {
		return nil, err
	}
	return s.children(ctx, folderID)
}

func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kids, err := s.folderChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if named(kids, name) != nil {
		return nil, conflict(name)
	}

	e := s.newEntry(parentID, name, types.TypeFolder, 0)
	if err := s.putJSON(ctx, s.manifestKey(e.ID), []*types.Entry{}); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, s.itemKey(e.ID), e); err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, parentID, append(kids, e)); err != nil {
		return nil, err
	}
	s.record(ctx, e.ID, types.EventChanged)
	return e.Clone(), nil
}

func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	if id == remote.RootID {
		return errors.PermissionDenied("/").WithDetail("reason", "the root folder cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(ctx, id, types.TypeFolder)
	if err != nil {
		return err
	}
	kids, err := s.children(ctx, id)
	if err != nil {
		return err
	}
	if len(kids) > 0 {
		return errors.NotEmpty(e.Name)
	}

	if err := s.unlink(ctx, e); err != nil {
		return err
	}
	if err := s.deleteKey(ctx, s.manifestKey(id)); err != nil {
		return err
	}
	if err := s.deleteKey(ctx, s.itemKey(id)); err != nil {
		return err
	}
	s.record(ctx, id, types.EventDeleted)
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(ctx, id, types.TypeFile)
	if err != nil {
		return err
	}
	if err := s.unlink(ctx, e); err != nil {
		return err
	}
	if err := s.deleteKey(ctx, s.blobKey(id)); err != nil {
		return err
	}
	if err := s.deleteKey(ctx, s.itemKey(id)); err != nil {
		return err
	}
	s.record(ctx, id, types.EventDeleted)
	return nil
}

func (s *Store) CopyFolder(ctx context.Context, id, newParentID, name string) (*types.Entry, error) {
	return s.copy(ctx, types.TypeFolder, id, newParentID, name)
}

func (s *Store) CopyFile(ctx context.Context, id, newParentID, name string) (*types.Entry, error) {
	return s.copy(ctx, types.TypeFile, id, newParentID, name)
}

func (s *Store) copy(ctx context.Context, kind types.EntryType, id, newParentID, name string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.typed(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	kids, err := s.folderChildren(ctx, newParentID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = src.Name
	}
	if named(kids, name) != nil {
		return nil, conflict(name)
	}
	if kind == types.TypeFolder {
		within, err := s.isWithin(ctx, newParentID, id)
		if err != nil {
			return nil, err
		}
		if within {
			return nil, errors.PermissionDenied(name).WithDetail("reason", "cannot copy a folder into itself")
		}
	}

	dup, err := s.duplicate(ctx, src, newParentID, name)
	if err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, newParentID, append(kids, dup)); err != nil {
		return nil, err
	}
	return dup.Clone(), nil
}

// duplicate deep-copies src under parentID. The caller links the result
// into the parent manifest.
func (s *Store) duplicate(ctx context.Context, src *types.Entry, parentID, name string) (*types.Entry, error) {
	dup := s.newEntry(parentID, name, src.Type, src.Size)

	if !src.IsFolder() {
		if err := s.copyBlob(ctx, src.ID, dup.ID); err != nil {
			return nil, err
		}
	} else {
		kids, err := s.children(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		dupKids := make([]*types.Entry, 0, len(kids))
		for _, k := range kids {
			child, err := s.duplicate(ctx, k, dup.ID, k.Name)
			if err != nil {
				return nil, err
			}
			dupKids = append(dupKids, child)
		}
		if err := s.putJSON(ctx, s.manifestKey(dup.ID), dupKids); err != nil {
			return nil, err
		}
	}

	if err := s.putJSON(ctx, s.itemKey(dup.ID), dup); err != nil {
		return nil, err
	}
	s.record(ctx, dup.ID, types.EventChanged)
	return dup, nil
}

func (s *Store) MoveOrRenameFile(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	return s.move(ctx, types.TypeFile, id, newParentID, newName)
}

func (s *Store) MoveOrRenameFolder(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	return s.move(ctx, types.TypeFolder, id, newParentID, newName)
}

func (s *Store) move(ctx context.Context, kind types.EntryType, id, newParentID, newName string) (*types.Entry, error) {
	if id == remote.RootID {
		return nil, errors.PermissionDenied("/").WithDetail("reason", "the root folder cannot be moved")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(ctx, id, kind)
	if err != nil {
		return nil, err
	}

	target := e.ParentID
	if newParentID != "" {
		if _, err := s.typed(ctx, newParentID, types.TypeFolder); err != nil {
			return nil, err
		}
		if kind == types.TypeFolder {
			within, err := s.isWithin(ctx, newParentID, id)
			if err != nil {
				return nil, err
			}
			if within {
				return nil, errors.PermissionDenied(e.Name).WithDetail("reason", "cannot move a folder into itself")
			}
		}
		target = newParentID
	}
	name := e.Name
	if newName != "" {
		name = newName
	}

	targetKids, err := s.children(ctx, target)
	if err != nil {
		return nil, err
	}
	if existing := named(targetKids, name); existing != nil && existing.ID != id {
		return nil, conflict(name)
	}

	moved := e.Clone()
	moved.Name = name
	moved.ParentID = target
	moved.ModifiedAt = s.now()

	if target == e.ParentID {
		if err := s.writeChildren(ctx, target, replace(targetKids, moved)); err != nil {
			return nil, err
		}
	} else {
		if err := s.unlink(ctx, e); err != nil {
			return nil, err
		}
		if err := s.writeChildren(ctx, target, append(targetKids, moved)); err != nil {
			return nil, err
		}
	}
	if err := s.putJSON(ctx, s.itemKey(id), moved); err != nil {
		return nil, err
	}
	s.record(ctx, id, types.EventChanged)
	return moved.Clone(), nil
}

// Download opens the content of a file. The body streams straight from S3;
// only opening the object is retried.
func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := s.typed(ctx, id, types.TypeFile); err != nil {
		return nil, err
	}

	key := s.blobKey(id)
	var body io.ReadCloser
	err := s.call(ctx, "GetObject", key, func(ctx context.Context) error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &countingBody{ReadCloser: body, metrics: &s.metrics}, nil
}

func (s *Store) Upload(ctx context.Context, parentID, name string, r io.Reader) (*types.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Transient("failed to read upload source", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kids, err := s.folderChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if named(kids, name) != nil {
		return nil, conflict(name)
	}

	e := s.newEntry(parentID, name, types.TypeFile, int64(len(data)))
	if err := s.putBlob(ctx, e.ID, data); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, s.itemKey(e.ID), e); err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, parentID, append(kids, e)); err != nil {
		return nil, err
	}
	s.record(ctx, e.ID, types.EventChanged)
	return e.Clone(), nil
}

func (s *Store) UploadVersion(ctx context.Context, id string, r io.Reader) (*types.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Transient("failed to read upload source", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(ctx, id, types.TypeFile)
	if err != nil {
		return nil, err
	}
	if err := s.putBlob(ctx, id, data); err != nil {
		return nil, err
	}

	updated := e.Clone()
	updated.Size = int64(len(data))
	updated.ModifiedAt = s.now()
	if err := s.putJSON(ctx, s.itemKey(id), updated); err != nil {
		return nil, err
	}
	kids, err := s.children(ctx, e.ParentID)
	if err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, e.ParentID, replace(kids, updated)); err != nil {
		return nil, err
	}
	s.record(ctx, id, types.EventChanged)
	return updated.Clone(), nil
}

// Changes lists journal records written after cursor. Cursors are journal
// object names relative to the events prefix; an empty cursor yields the
// current time as head.
func (s *Store) Changes(ctx context.Context, cursor string) ([]types.Event, string, error) {
	if cursor == "" {
		return nil, fmt.Sprintf("%019d", s.now().UnixNano()), nil
	}

	eventPrefix := s.prefix + "events/"
	var (
		keys  []string
		token *string
	)
	for {
		var out *s3.ListObjectsV2Output
		err := s.call(ctx, "ListObjectsV2", eventPrefix, func(ctx context.Context) error {
			var err error
			out, err = s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(eventPrefix),
				StartAfter:        aws.String(eventPrefix + cursor),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return nil, "", err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	events := make([]types.Event, 0, len(keys))
	next := cursor
	for _, key := range keys {
		var ev types.Event
		if err := s.getJSON(ctx, key, &ev); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, "", err
		}
		events = append(events, ev)
		next = strings.TrimPrefix(key, eventPrefix)
	}
	return events, next, nil
}

// record appends to the change journal. The mutation has already happened,
// so a failure is logged and not returned.
func (s *Store) record(ctx context.Context, id string, kind types.EventKind) {
	key := fmt.Sprintf("%sevents/%019d-%s.json", s.prefix, s.now().UnixNano(), id)
	if err := s.putJSON(ctx, key, types.Event{ID: id, Kind: kind}); err != nil {
		s.logger.Warn("failed to journal change", zap.String("id", id), zap.Stringer("kind", kind), zap.Error(err))
	}
}

// Tree helpers. Callers that modify manifests hold s.mu.

func (s *Store) newEntry(parentID, name string, kind types.EntryType, size int64) *types.Entry {
	ts := s.now()
	return &types.Entry{
		ID:         s.newID(),
		ParentID:   parentID,
		Name:       name,
		Type:       kind,
		Size:       size,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}
}

func (s *Store) item(ctx context.Context, id string) (*types.Entry, error) {
	var e types.Entry
	if err := s.getJSON(ctx, s.itemKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) typed(ctx context.Context, id string, kind types.EntryType) (*types.Entry, error) {
	e, err := s.item(ctx, id)
	if errors.IsNotFound(err) || (err == nil && e.Type != kind) {
		return nil, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return e, err
}

func (s *Store) children(ctx context.Context, folderID string) ([]*types.Entry, error) {
	var kids []*types.Entry
	if err := s.getJSON(ctx, s.manifestKey(folderID), &kids); err != nil {
		return nil, err
	}
	return kids, nil
}

// folderChildren checks that folderID is a folder and returns its children.
func (s *Store) folderChildren(ctx context.Context, folderID string) ([]*types.Entry, error) {
	if _, err := s.typed(ctx, folderID, types.TypeFolder); err != nil {
		return nil, err
	}
	return s.children(ctx, folderID)
}

func (s *Store) writeChildren(ctx context.Context, folderID string, kids []*types.Entry) error {
	return s.putJSON(ctx, s.manifestKey(folderID), kids)
}

// unlink removes e from its parent's manifest.
func (s *Store) unlink(ctx context.Context, e *types.Entry) error {
	kids, err := s.children(ctx, e.ParentID)
	if err != nil {
		return err
	}
	out := kids[:0]
	for _, k := range kids {
		if k.ID != e.ID {
			out = append(out, k)
		}
	}
	return s.writeChildren(ctx, e.ParentID, out)
}

// isWithin reports whether id equals ancestorID or lies below it.
func (s *Store) isWithin(ctx context.Context, id, ancestorID string) (bool, error) {
	for cur := id; cur != ""; {
		if cur == ancestorID {
			return true, nil
		}
		if cur == remote.RootID {
			return false, nil
		}
		e, err := s.item(ctx, cur)
		if err != nil {
			return false, err
		}
		cur = e.ParentID
	}
	return false, nil
}

func named(kids []*types.Entry, name string) *types.Entry {
	for _, k := range kids {
		if k.Name == name {
			return k
		}
	}
	return nil
}

func replace(kids []*types.Entry, e *types.Entry) []*types.Entry {
	for i, k := range kids {
		if k.ID == e.ID {
			kids[i] = e
		}
	}
	return kids
}

func conflict(name string) error {
	return errors.NewError(errors.ErrCodeAlreadyExists, "item with the same name already exists").WithPath(name)
}

// Object helpers

func (s *Store) itemKey(id string) string     { return s.prefix + "items/" + id + ".json" }
func (s *Store) manifestKey(id string) string { return s.prefix + "folders/" + id + ".json" }
func (s *Store) blobKey(id string) string     { return s.prefix + "blobs/" + id }

// call runs one S3 request under the retry policy and the circuit breaker.
func (s *Store) call(ctx context.Context, op, key string, fn func(context.Context) error) error {
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return s.breaker.Do(ctx, func(ctx context.Context) error {
			start := time.Now()
			err := translateError(fn(ctx), op, key)
			s.metrics.recordRequest(time.Since(start), err)
			return err
		})
	})
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	return s.call(ctx, "GetObject", key, func(ctx context.Context) error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return errors.Transient("failed to read object body", err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Fatal(fmt.Sprintf("corrupt object %s", key), err)
		}
		return nil
	})
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Fatal("failed to encode object", err)
	}
	return s.put(ctx, key, data, "application/json")
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.call(ctx, "PutObject", key, func(ctx context.Context) error {
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType),
		})
		return err
	})
}

// putBlob stores file content, through the accelerated uploader when one
// is configured.
func (s *Store) putBlob(ctx context.Context, id string, data []byte) error {
	key := s.blobKey(id)
	if s.uploader != nil {
		err := s.uploader.upload(ctx, key, data)
		if err == nil {
			s.metrics.recordUpload(int64(len(data)), true)
			return nil
		}
		s.metrics.recordFallback()
		s.logger.Warn("accelerated upload failed, falling back to PutObject", zap.String("key", key), zap.Error(err))
	}

	if err := s.put(ctx, key, data, "application/octet-stream"); err != nil {
		return err
	}
	s.metrics.recordUpload(int64(len(data)), false)
	return nil
}

func (s *Store) copyBlob(ctx context.Context, srcID, dstID string) error {
	src, dst := s.blobKey(srcID), s.blobKey(dstID)
	return s.call(ctx, "CopyObject", src, func(ctx context.Context) error {
		_, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(s.bucket + "/" + escapeKey(src)),
		})
		return err
	})
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	return s.call(ctx, "DeleteObject", key, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// escapeKey URL-encodes each segment of key for use in a copy source.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// countingBody records downloaded bytes as they are read.
type countingBody struct {
	io.ReadCloser
	metrics *metricsCollector
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.metrics.recordDownload(int64(n))
	}
	return n, err
}
