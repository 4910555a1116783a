package repo

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/cache"
	"github.com/cofferhq/coffer/pkg/chunker"
	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/index"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/pack"
	"github.com/cofferhq/coffer/pkg/types"
)

// Options tunes a repository handle. The zero value is usable.
type Options struct {
	// PackTargetSize is the ciphertext volume at which open packs seal.
	PackTargetSize int

	// MaxOpenPacks bounds how many packs accept chunks concurrently.
	MaxOpenPacks int

	// IndexFlushThreshold is the pending-entry count that forces an
	// intermediate index object.
	IndexFlushThreshold int

	// Compress enables zstd compression of chunk plaintext.
	Compress bool

	// CacheRoot holds the local metadata cache; a per-repository
	// subdirectory is created beneath it. Empty disables caching.
	CacheRoot string

	// KDFParams overrides the key-derivation work factors at Init.
	// Nil selects the defaults. Open ignores this; the stored
	// parameters govern.
	KDFParams *crypto.KDFParams
}

func (o Options) withDefaults() Options {
	if o.PackTargetSize == 0 {
		o.PackTargetSize = pack.DefaultTargetSize
	}
	if o.MaxOpenPacks == 0 {
		o.MaxOpenPacks = 4
	}
	if o.IndexFlushThreshold == 0 {
		o.IndexFlushThreshold = 50_000
	}
	return o
}

// Repository binds a backend, the crypto keys and the index into the
// engine's high-level store/load operations. A handle is safe for
// concurrent use.
type Repository struct {
	be   backend.Backend
	cfg  Config
	key  *crypto.Key
	pol  chunker.Pol
	opts Options

	idx     *index.Index
	pending *index.Pending

	// packers is the pool of open pack writers. Taking one gives the
	// holder exclusive use until it is returned or sealed.
	packers chan *pack.Writer

	// inflight coalesces concurrent StoreChunk calls on the same id so
	// only one of them encrypts and uploads.
	inflight sync.Map // types.ID -> *inflightStore

	// verified remembers packs whose trailing hash this process has
	// checked. No entry is served from a pack outside this set.
	verifiedMu sync.Mutex
	verified   map[string]struct{}

	metaCache *cache.Cache
	logger    zerolog.Logger
}

// inflightStore is one in-progress store of a chunk id; concurrent
// StoreChunk callers on that id wait for it and share its outcome.
type inflightStore struct {
	wg  sync.WaitGroup
	err error
}

func repoLogger(repoID string) zerolog.Logger {
	return log.WithComponent("repo").With().Str("repo", repoID).Logger()
}

// Init creates a new repository on an empty backend: config, the first
// key file, nothing else. The DEK never exists outside sealed form
// after Init returns.
func Init(ctx context.Context, be backend.Backend, password string, opts Options) (*Repository, error) {
	if password == "" {
		return nil, errdefs.Newf(errdefs.KindUsage, "", "empty password")
	}

	cfg, err := newConfig()
	if err != nil {
		return nil, err
	}
	if opts.KDFParams != nil {
		cfg.KDFParams = *opts.KDFParams
	}
	if err := storeConfig(ctx, be, cfg); err != nil {
		return nil, err
	}

	dek, err := crypto.NewRandomKey()
	if err != nil {
		return nil, err
	}
	if _, err := createKey(ctx, be, password, cfg.KDFParams, dek); err != nil {
		return nil, err
	}

	rlog := repoLogger(cfg.ID)
	rlog.Info().Msg("repository initialized")
	return newRepository(be, cfg, dek, opts)
}

// Open opens an existing repository: read config, unlock a key with the
// password, then load the index. A wrong password fails before any
// data object is read.
func Open(ctx context.Context, be backend.Backend, password string, opts Options) (*Repository, error) {
	cfg, err := loadConfig(ctx, be)
	if err != nil {
		return nil, err
	}
	dek, err := openKey(ctx, be, password)
	if err != nil {
		return nil, err
	}

	r, err := newRepository(be, cfg, dek, opts)
	if err != nil {
		return nil, err
	}
	if err := r.LoadIndex(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func newRepository(be backend.Backend, cfg Config, dek *crypto.Key, opts Options) (*Repository, error) {
	pol, err := chunker.ParsePolynomial(cfg.ChunkerPolynomial)
	if err != nil {
		return nil, errdefs.New(errdefs.KindConfig, "config", err)
	}
	opts = opts.withDefaults()

	r := &Repository{
		be:       be,
		cfg:      cfg,
		key:      dek,
		pol:      pol,
		opts:     opts,
		idx:      index.New(),
		pending:  index.NewPending(),
		packers:  make(chan *pack.Writer, opts.MaxOpenPacks),
		verified: make(map[string]struct{}),
		logger:   repoLogger(cfg.ID),
	}
	for i := 0; i < opts.MaxOpenPacks; i++ {
		r.packers <- pack.NewWriter(dek, opts.Compress)
	}

	if opts.CacheRoot != "" {
		c, err := cache.Open(filepath.Join(opts.CacheRoot, cfg.ID))
		if err != nil {
			// The cache is an optimization; a broken one must not stop
			// the repository from opening.
			r.logger.Warn().Err(err).Msg("metadata cache unavailable")
		} else {
			r.metaCache = c
		}
	}
	return r, nil
}

// Config returns the repository configuration.
func (r *Repository) Config() Config { return r.cfg }

// ChunkerPolynomial returns the polynomial all chunkers of this
// repository must use.
func (r *Repository) ChunkerPolynomial() chunker.Pol { return r.pol }

// Index exposes the in-memory index for read-mostly consumers.
func (r *Repository) Index() *index.Index { return r.idx }

// Close releases local resources. It does not flush; callers that
// wrote data call Flush first.
func (r *Repository) Close() error {
	if r.metaCache != nil {
		return r.metaCache.Close()
	}
	return nil
}

// LoadIndex rebuilds the in-memory index from every index object,
// consulting the local cache before the backend.
func (r *Repository) LoadIndex(ctx context.Context) error {
	live := make(map[string]struct{})
	err := r.be.List(ctx, backend.IndexFile, func(name string, _ int64) error {
		live[name] = struct{}{}

		var sealed []byte
		if r.metaCache != nil {
			if data, ok := r.metaCache.Get(cache.KindIndex, name); ok {
				sealed = data
			}
		}
		if sealed == nil {
			data, err := r.be.Get(ctx, backend.Handle{Type: backend.IndexFile, Name: name})
			if err != nil {
				return err
			}
			sealed = data
			if r.metaCache != nil {
				if err := r.metaCache.Put(cache.KindIndex, name, sealed); err != nil {
					r.logger.Warn().Err(err).Msg("failed to cache index object")
				}
			}
		}

		f, err := index.DecodeFile(r.key, "index/"+name, sealed)
		if err != nil {
			return err
		}
		r.idx.Merge(f)
		return nil
	})
	if err != nil {
		return err
	}

	if r.metaCache != nil {
		if err := r.metaCache.Reconcile(cache.KindIndex, live); err != nil {
			r.logger.Warn().Err(err).Msg("failed to reconcile index cache")
		}
	}

	metrics.IndexEntriesTotal.Set(float64(r.idx.Len()))
	r.logger.Debug().Int("chunks", r.idx.Len()).Int("objects", len(live)).Msg("index loaded")
	return nil
}

// StoreChunk stores one chunk and returns its id. Idempotent: a known
// id returns immediately; concurrent callers on the same id coalesce
// so at most one encryption and upload occurs in this process.
func (r *Repository) StoreChunk(ctx context.Context, plaintext []byte) (types.ID, error) {
	id := crypto.Hash(plaintext)

	for {
		if r.idx.Has(id) {
			metrics.ChunksDedupTotal.Inc()
			return id, nil
		}

		call := &inflightStore{}
		call.wg.Add(1)
		actual, loaded := r.inflight.LoadOrStore(id, call)
		if loaded {
			// Another goroutine is storing this id; share its result and
			// retry only if it failed.
			other := actual.(*inflightStore)
			other.wg.Wait()
			if other.err == nil {
				metrics.ChunksDedupTotal.Inc()
				return id, nil
			}
			continue
		}

		err := r.storeNewChunk(ctx, id, plaintext)
		call.err = err
		r.inflight.Delete(id)
		call.wg.Done()
		if err != nil {
			return types.ID{}, err
		}
		metrics.ChunksNewTotal.Inc()
		return id, nil
	}
}

// storeNewChunk appends the chunk to an open pack, sealing and
// uploading the pack when it reaches the target size.
func (r *Repository) storeNewChunk(ctx context.Context, id types.ID, plaintext []byte) error {
	var w *pack.Writer
	select {
	case w = <-r.packers:
	case <-ctx.Done():
		return errdefs.New(errdefs.KindCancelled, id.Short(), ctx.Err())
	}

	if err := w.Add(id, plaintext); err != nil {
		r.packers <- w
		return err
	}

	if !w.Full(r.opts.PackTargetSize) {
		r.packers <- w
		return nil
	}

	// Replace the sealed writer in the pool before uploading so other
	// workers keep a full complement of open packs.
	r.packers <- pack.NewWriter(r.key, r.opts.Compress)
	if err := r.sealAndUpload(ctx, w); err != nil {
		return err
	}
	return r.maybeFlushIndex(ctx)
}

// sealAndUpload finalizes one pack, uploads it and publishes its
// entries to the in-memory index and the pending index buffer.
func (r *Repository) sealAndUpload(ctx context.Context, w *pack.Writer) error {
	sealed, err := w.Finalize()
	if err != nil {
		return err
	}

	h := backend.Handle{Type: backend.PackFile, Name: sealed.ID}
	err = r.be.PutIfAbsent(ctx, h, sealed.Blob)
	if err != nil && !errdefs.IsAlreadyExists(err) {
		return err
	}

	entries := make(map[types.ID]types.Location, len(sealed.Entries))
	for _, e := range sealed.Entries {
		loc := e.Location(sealed.ID)
		entries[e.ID] = loc
		r.idx.Replace(e.ID, loc)
	}
	r.pending.AddPack(sealed.ID, uint64(len(sealed.Blob)), entries)
	r.markPackVerified(sealed.ID)

	metrics.PacksSealedTotal.Inc()
	metrics.BytesUploadedTotal.Add(float64(len(sealed.Blob)))
	metrics.IndexEntriesTotal.Set(float64(r.idx.Len()))
	r.logger.Debug().Str("pack", sealed.ID).Int("chunks", len(sealed.Entries)).
		Int("bytes", len(sealed.Blob)).Msg("pack sealed")
	return nil
}

func (r *Repository) maybeFlushIndex(ctx context.Context) error {
	if r.pending.Len() < r.opts.IndexFlushThreshold {
		return nil
	}
	return r.flushIndex(ctx)
}

// flushIndex persists the pending index entries as one new index
// object.
func (r *Repository) flushIndex(ctx context.Context) error {
	f := r.pending.Take()
	if f == nil {
		return nil
	}
	sealed, err := f.Encode(r.key)
	if err != nil {
		r.pending.Restore(f)
		return err
	}

	name := types.NewStorageID()
	if err := r.be.PutIfAbsent(ctx, backend.Handle{Type: backend.IndexFile, Name: name}, sealed); err != nil {
		r.pending.Restore(f)
		return err
	}
	if r.metaCache != nil {
		if err := r.metaCache.Put(cache.KindIndex, name, sealed); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache index object")
		}
	}
	r.logger.Debug().Str("index", name).Int("chunks", len(f.Chunks)).Msg("index object written")
	return nil
}

// Flush seals every open pack holding chunks, uploads them, then
// persists the pending index. Callers must Flush (successfully) before
// writing any snapshot that references the flushed chunks.
func (r *Repository) Flush(ctx context.Context) error {
	for i := 0; i < r.opts.MaxOpenPacks; i++ {
		var w *pack.Writer
		select {
		case w = <-r.packers:
		case <-ctx.Done():
			return errdefs.New(errdefs.KindCancelled, "", ctx.Err())
		}

		if w.Count() == 0 {
			r.packers <- w
			continue
		}
		r.packers <- pack.NewWriter(r.key, r.opts.Compress)
		if err := r.sealAndUpload(ctx, w); err != nil {
			return err
		}
	}
	return r.flushIndex(ctx)
}

// AbandonPacks drops every open pack without uploading. Used on
// cancellation: buffered chunks are simply lost and will be re-created
// by the next run.
func (r *Repository) AbandonPacks() {
	for i := 0; i < r.opts.MaxOpenPacks; i++ {
		select {
		case w := <-r.packers:
			if w.Count() > 0 {
				r.logger.Debug().Str("pack", w.ID()).Int("chunks", w.Count()).Msg("abandoning open pack")
			}
			r.packers <- pack.NewWriter(r.key, r.opts.Compress)
		default:
		}
	}
}

// packVerified reports whether the pack's trailing hash has already
// been checked by this process.
func (r *Repository) packVerified(packID string) bool {
	r.verifiedMu.Lock()
	defer r.verifiedMu.Unlock()
	_, ok := r.verified[packID]
	return ok
}

// markPackVerified records a successful integrity check. Packs this
// process sealed itself count too: their trailing hash was computed
// over the very bytes that were uploaded.
func (r *Repository) markPackVerified(packID string) {
	r.verifiedMu.Lock()
	defer r.verifiedMu.Unlock()
	r.verified[packID] = struct{}{}
}

// ensurePackVerified runs the full-pack trailing-hash check once per
// pack before any entry from it is served. Two goroutines racing on
// the same never-verified pack may both verify it; the duplicate work
// is harmless and the set converges.
func (r *Repository) ensurePackVerified(ctx context.Context, packID string) error {
	if r.packVerified(packID) {
		return nil
	}
	if _, err := pack.Verify(ctx, r.be, r.key, packID); err != nil {
		return err
	}
	r.markPackVerified(packID)
	r.logger.Debug().Str("pack", packID).Msg("pack verified")
	return nil
}

// LoadChunk fetches a chunk by id and verifies its content hash. The
// first load from any pack this process has not yet verified triggers
// the mandatory whole-pack integrity check.
func (r *Repository) LoadChunk(ctx context.Context, id types.ID) ([]byte, error) {
	loc, ok := r.idx.Lookup(id)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, id.String(), "chunk not in index")
	}

	if err := r.ensurePackVerified(ctx, loc.Pack); err != nil {
		return nil, err
	}

	plaintext, err := pack.ReadChunk(ctx, r.be, r.key, loc)
	if err != nil {
		return nil, err
	}
	if crypto.Hash(plaintext) != id {
		return nil, errdefs.Newf(errdefs.KindCorrupt, "data/"+loc.Pack,
			"chunk %s content hash mismatch", id.Short())
	}
	return plaintext, nil
}
