// Package cloud synchronizes the local store with a remote JSON document
// store over HTTP. Each record is one document. Collections are fetched as
// one object keyed by document id.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/repository"
	"github.com/atinyakov/ReliefNet/internal/transport"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxCollectionSize bounds a downloaded collection body.
const maxCollectionSize = 32 << 20

// ErrBodyTooLarge is returned when a response exceeds the body size limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Repository is the record access the cloud transport needs.
// *repository.LocalRepository implements it.
type Repository interface {
	SaveMessage(ctx context.Context, m models.Message) (bool, error)
	SaveEmergency(ctx context.Context, e models.EmergencyRequest) (bool, error)

	PendingMessages(ctx context.Context) ([]models.Message, error)
	PendingEmergencies(ctx context.Context) ([]models.EmergencyRequest, error)
	PendingUsers(ctx context.Context) ([]models.User, error)
	PendingResources(ctx context.Context) ([]models.Resource, error)

	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetEmergency(ctx context.Context, id string) (*models.EmergencyRequest, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetResource(ctx context.Context, id string) (*models.Resource, error)

	InsertMessage(ctx context.Context, m models.Message, status models.SyncStatus) (bool, error)
	InsertEmergency(ctx context.Context, e models.EmergencyRequest, status models.SyncStatus) (bool, error)
	InsertResource(ctx context.Context, r models.Resource, status models.SyncStatus) (bool, error)
	MergeRemoteUser(ctx context.Context, u models.User) (repository.MergeResult, error)

	MarkSynced(ctx context.Context, entity models.Entity, id string) error
}

// Options configures the transport.
type Options struct {
	// BaseURL is the document store root, e.g. https://relief.example.org.
	BaseURL string
	// Suffix is appended to every path, e.g. ".json".
	Suffix string
	// Paths maps entity table names to collection paths. Missing entries use the table name.
	Paths map[string]string
	// Timeout bounds every HTTP request.
	Timeout time.Duration
	// Workers bounds concurrent immediate uploads.
	Workers int
	// Rate is the maximum immediate uploads per second; 0 means unlimited.
	Rate float64
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithMaxBodySize bounds every response body; larger bodies fail with ErrBodyTooLarge.
func WithMaxBodySize(n int64) Option {
	return func(t *Transport) { t.maxBody = n }
}

// Transport is the cloud sync client.
type Transport struct {
	repo   Repository
	opts   Options
	client  *http.Client
	log     *zap.Logger
	maxBody int64

	mu        sync.RWMutex
	connected bool

	pool     *errgroup.Group
	limiter  *rate.Limiter
	poolCtx  context.Context
	stopPool context.CancelFunc
}

// New creates a disconnected transport.
func New(repo Repository, opts Options, log *zap.Logger, options ...Option) *Transport {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	pool := &errgroup.Group{}
	pool.SetLimit(opts.Workers)
	poolCtx, stop := context.WithCancel(context.Background())

	t := &Transport{
		repo:     repo,
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		maxBody:  maxCollectionSize,
		log:      log,
		pool:     pool,
		limiter:  rate.NewLimiter(limit, opts.Workers),
		poolCtx:  poolCtx,
		stopPool: stop,
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Connect enables the transport. It fails only on an unusable base URL.
func (t *Transport) Connect(_ context.Context) error {
	u, err := url.Parse(t.opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("cloud base url %q is not an absolute URL", t.opts.BaseURL)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.log.Info("cloud transport connected", zap.String("url", t.opts.BaseURL))
	return nil
}

// Disconnect disables the transport. Immediate uploads already queued still run.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.log.Info("cloud transport disconnected")
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not called since.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close stops accepting immediate uploads and waits for running ones.
func (t *Transport) Close() error {
	t.stopPool()
	_ = t.pool.Wait()
	return nil
}

// SendMessage stores m locally, appends it to the messages collection and
// marks it synced. On upload failure the row stays PENDING.
func (t *Transport) SendMessage(ctx context.Context, m models.Message) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	if _, err := t.repo.SaveMessage(ctx, m); err != nil {
		return err
	}
	return t.appendAndMark(ctx, models.Messages, m.ID, m)
}

// SendEmergency stores e locally, appends it to the emergencies collection
// and marks it synced. On upload failure the row stays PENDING.
func (t *Transport) SendEmergency(ctx context.Context, e models.EmergencyRequest) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	if _, err := t.repo.SaveEmergency(ctx, e); err != nil {
		return err
	}
	return t.appendAndMark(ctx, models.Emergencies, e.ID, e)
}

func (t *Transport) appendAndMark(ctx context.Context, entity models.Entity, id string, doc any) error {
	if err := t.send(ctx, http.MethodPost, t.collectionURL(entity), doc); err != nil {
		return fmt.Errorf("append %s %s: %w", entity, id, err)
	}
	return t.repo.MarkSynced(ctx, entity, id)
}

// PerformSync uploads every pending record and then downloads every
// collection, entity by entity. Failures are logged per record and do not
// stop the cycle; the joined entity-level errors are returned.
func (t *Transport) PerformSync(ctx context.Context) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	var errs []error
	for _, entity := range models.AllEntities {
		uploaded, err := t.uploadPending(ctx, entity)
		if err != nil {
			errs = append(errs, err)
		}
		downloaded, err := t.download(ctx, entity)
		if err != nil {
			errs = append(errs, err)
		}
		t.log.Debug("entity synced",
			zap.Stringer("entity", entity),
			zap.Int("uploaded", uploaded),
			zap.Int("downloaded", downloaded))
	}
	return errors.Join(errs...)
}

type record struct {
	id  string
	doc any
}

func (t *Transport) uploadPending(ctx context.Context, entity models.Entity) (int, error) {
	records, err := t.pending(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("list pending %s: %w", entity, err)
	}
	uploaded := 0
	for _, r := range records {
		if err := t.upsertAndMark(ctx, entity, r); err != nil {
			t.log.Warn("record upload failed, left pending",
				zap.Stringer("entity", entity), zap.String("id", r.id), zap.Error(err))
			continue
		}
		uploaded++
	}
	return uploaded, nil
}

func (t *Transport) upsertAndMark(ctx context.Context, entity models.Entity, r record) error {
	if err := t.send(ctx, http.MethodPut, t.documentURL(entity, r.id), r.doc); err != nil {
		return err
	}
	return t.repo.MarkSynced(ctx, entity, r.id)
}

func (t *Transport) pending(ctx context.Context, entity models.Entity) ([]record, error) {
	var out []record
	switch entity {
	case models.Messages:
		list, err := t.repo.PendingMessages(ctx)
		for _, m := range list {
			out = append(out, record{m.ID, m})
		}
		return out, err
	case models.Emergencies:
		list, err := t.repo.PendingEmergencies(ctx)
		for _, e := range list {
			out = append(out, record{e.ID, e})
		}
		return out, err
	case models.Users:
		list, err := t.repo.PendingUsers(ctx)
		for _, u := range list {
			out = append(out, record{u.ID, u})
		}
		return out, err
	case models.Resources:
		list, err := t.repo.PendingResources(ctx)
		for _, r := range list {
			out = append(out, record{r.ID, r})
		}
		return out, err
	}
	return nil, fmt.Errorf("unknown entity %d", entity)
}

func (t *Transport) fetch(ctx context.Context, entity models.Entity, id string) (record, error) {
	var (
		doc any
		err error
	)
	switch entity {
	case models.Messages:
		doc, err = t.repo.GetMessage(ctx, id)
	case models.Emergencies:
		doc, err = t.repo.GetEmergency(ctx, id)
	case models.Users:
		doc, err = t.repo.GetUser(ctx, id)
	case models.Resources:
		doc, err = t.repo.GetResource(ctx, id)
	default:
		err = fmt.Errorf("unknown entity %d", entity)
	}
	if err != nil {
		return record{}, err
	}
	return record{id: id, doc: doc}, nil
}

// SyncMessageImmediately queues a single-message upload.
// It reports false when the worker pool is full or closed.
func (t *Transport) SyncMessageImmediately(id string) bool {
	return t.syncImmediately(models.Messages, id)
}

// SyncEmergencyImmediately queues a single emergency upload.
func (t *Transport) SyncEmergencyImmediately(id string) bool {
	return t.syncImmediately(models.Emergencies, id)
}

// SyncUserImmediately queues a single user upload.
func (t *Transport) SyncUserImmediately(id string) bool {
	return t.syncImmediately(models.Users, id)
}

// SyncResourceImmediately queues a single resource upload.
func (t *Transport) SyncResourceImmediately(id string) bool {
	return t.syncImmediately(models.Resources, id)
}

func (t *Transport) syncImmediately(entity models.Entity, id string) bool {
	if t.poolCtx.Err() != nil {
		return false
	}
	ok := t.pool.TryGo(func() error {
		ctx := t.poolCtx
		if err := t.limiter.Wait(ctx); err != nil {
			return nil
		}
		if !t.IsConnected() {
			t.log.Debug("immediate sync skipped, cloud disconnected",
				zap.Stringer("entity", entity), zap.String("id", id))
			return nil
		}
		r, err := t.fetch(ctx, entity, id)
		if err == nil {
			err = t.upsertAndMark(ctx, entity, r)
		}
		if err != nil {
			t.log.Warn("immediate sync failed, left for periodic sync",
				zap.Stringer("entity", entity), zap.String("id", id), zap.Error(err))
		}
		return nil
	})
	if !ok {
		t.log.Warn("immediate sync pool full, left for periodic sync",
			zap.Stringer("entity", entity), zap.String("id", id))
	}
	return ok
}

// DownloadAllMessages merges the remote messages collection. It returns the number of new rows.
func (t *Transport) DownloadAllMessages(ctx context.Context) (int, error) {
	return t.download(ctx, models.Messages)
}

// DownloadAllEmergencies merges the remote emergencies collection.
func (t *Transport) DownloadAllEmergencies(ctx context.Context) (int, error) {
	return t.download(ctx, models.Emergencies)
}

// DownloadAllUsers merges the remote users collection. Existing users are
// merged under the repository's user policy.
func (t *Transport) DownloadAllUsers(ctx context.Context) (int, error) {
	return t.download(ctx, models.Users)
}

// DownloadAllResources merges the remote resources collection.
func (t *Transport) DownloadAllResources(ctx context.Context) (int, error) {
	return t.download(ctx, models.Resources)
}

// download fetches a collection and inserts unknown records as SYNCED. A
// response that is not a JSON object (an HTML error page, null, an array)
// counts as an empty collection.
func (t *Transport) download(ctx context.Context, entity models.Entity) (int, error) {
	body, err := t.get(ctx, t.collectionURL(entity))
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", entity, err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		t.log.Warn("ignoring non-JSON collection response",
			zap.Stringer("entity", entity), zap.String("prefix", prefix(trimmed)))
		return 0, nil
	}
	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return 0, nil
	}

	added := 0
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		inserted, err := t.merge(ctx, entity, key.String(), value.Raw)
		if err != nil {
			t.log.Warn("remote record skipped",
				zap.Stringer("entity", entity), zap.String("key", key.String()), zap.Error(err))
			return true
		}
		if inserted {
			added++
		}
		return true
	})
	return added, nil
}

func (t *Transport) merge(ctx context.Context, entity models.Entity, key, raw string) (bool, error) {
	switch entity {
	case models.Messages:
		var m models.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return false, err
		}
		m.ID = firstNonEmpty(m.ID, key)
		return t.repo.InsertMessage(ctx, m, models.Synced)
	case models.Emergencies:
		var e models.EmergencyRequest
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return false, err
		}
		e.ID = firstNonEmpty(e.ID, key)
		return t.repo.InsertEmergency(ctx, e, models.Synced)
	case models.Users:
		var u models.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return false, err
		}
		u.ID = firstNonEmpty(u.ID, key)
		if u.Username == "" {
			u.Username = u.ID
		}
		res, err := t.repo.MergeRemoteUser(ctx, u)
		return res == repository.MergeInserted, err
	case models.Resources:
		var r models.Resource
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return false, err
		}
		r.ID = firstNonEmpty(r.ID, key)
		if r.Name == "" {
			r.Name = r.ID
		}
		return t.repo.InsertResource(ctx, r, models.Synced)
	}
	return false, fmt.Errorf("unknown entity %d", entity)
}

func (t *Transport) collectionPath(entity models.Entity) string {
	if p, ok := t.opts.Paths[entity.Table()]; ok && p != "" {
		return strings.Trim(p, "/")
	}
	return entity.Table()
}

func (t *Transport) collectionURL(entity models.Entity) string {
	return strings.TrimRight(t.opts.BaseURL, "/") + "/" + t.collectionPath(entity) + t.opts.Suffix
}

func (t *Transport) documentURL(entity models.Entity, id string) string {
	return strings.TrimRight(t.opts.BaseURL, "/") + "/" + t.collectionPath(entity) + "/" + url.PathEscape(id) + t.opts.Suffix
}

func (t *Transport) send(ctx context.Context, method, target string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, target, resp.StatusCode)
	}
	return nil
}

func (t *Transport) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > t.maxBody {
		return nil, fmt.Errorf("GET %s: %w (limit %d bytes)", target, ErrBodyTooLarge, t.maxBody)
	}
	return body, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func prefix(b []byte) string {
	if len(b) > 32 {
		b = b[:32]
	}
	return string(b)
}
