// Package downloader is the registry every control surface talks to. It
// classifies URLs, owns transfer identifiers and groups, reloads descriptors at
// startup and keeps the transfer history current.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmravec/gdman/internal/group"
	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/storage"
	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/telemetry"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/direct"
	"github.com/bmravec/gdman/internal/transfer/hosting"
	"github.com/bmravec/gdman/internal/transfer/video"
)

const eventBuffer = 64

type Options struct {
	HostingHosts []string
	VideoHosts   []string
	VideoInfoURL string
	// DownloadDir is used when AddDownload gets no destination.
	DownloadDir string
	// StartPending queues reloaded transfers right away. Otherwise they wait for Start
	// and the remote is not contacted at load.
	StartPending bool

	Repository storage.TransferRepository
	Telemetry  *telemetry.Telemetry
	InstanceID string
}

// Event reports a terminal transition to the consumers of OnTransferFinished and
// OnTransferFailed.
type Event struct {
	ID       int
	Transfer transfer.Transfer
	Change   transfer.StateChange
}

type entry struct {
	id    int
	t     transfer.Transfer
	group *group.Group

	// source and dest as registered; the history key.
	source string
	dest   string

	descMu         sync.Mutex
	descriptorPath string

	challenge atomic.Bool

	// Only touched on the event loop.
	running    bool
	startedAt  time.Time
	startBytes int64
	progress   progressLog
}

// Registry holds every transfer of the process.
type Registry struct {
	env          *transfer.Env
	repo         storage.TransferRepository
	tel          *telemetry.Telemetry
	instanceID   string
	hostingHosts []string
	videoHosts   []string
	videoInfoURL string
	downloadDir  string
	startPending bool

	mu      sync.RWMutex
	nextID  int
	entries map[int]*entry
	groups  map[string]*group.Group
	closed  bool

	OnTransferFinished chan Event
	OnTransferFailed   chan Event
}

func NewRegistry(env *transfer.Env, opts Options) *Registry {
	if opts.InstanceID == "" {
		opts.InstanceID = GenerateInstanceID()
	}

	return &Registry{
		env:                env.WithDefaults(),
		repo:               opts.Repository,
		tel:                opts.Telemetry,
		instanceID:         opts.InstanceID,
		hostingHosts:       normalizeHosts(opts.HostingHosts),
		videoHosts:         normalizeHosts(opts.VideoHosts),
		videoInfoURL:       opts.VideoInfoURL,
		downloadDir:        opts.DownloadDir,
		startPending:       opts.StartPending,
		entries:            make(map[int]*entry),
		groups:             make(map[string]*group.Group),
		OnTransferFinished: make(chan Event, eventBuffer),
		OnTransferFailed:   make(chan Event, eventBuffer),
	}
}

// Close stops event delivery and closes the event channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	close(r.OnTransferFinished)
	close(r.OnTransferFailed)
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))

	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}

	return out
}

func hostMatches(host string, patterns []string) bool {
	for _, p := range patterns {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}

	return false
}

// Classify picks the backend for rawURL: a hosting page, a video page, or a plain
// HTTP download.
func (r *Registry) Classify(rawURL string) transfer.Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return transfer.KindHTTP
	}

	host := strings.ToLower(u.Hostname())

	switch {
	case hostMatches(host, r.hostingHosts):
		return transfer.KindHosting
	case hostMatches(host, r.videoHosts):
		return transfer.KindVideo
	default:
		return transfer.KindHTTP
	}
}

// AddDownload classifies rawURL, registers a transfer for it and queues it in the
// group of its host. dest falls back to the configured download directory.
func (r *Registry) AddDownload(ctx context.Context, rawURL, dest string) (int, error) {
	var id int

	err := r.tel.InstrumentRegistryOperation(ctx, "add_download", func(ctx context.Context) error {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
		}

		if dest == "" {
			dest = r.downloadDir
		}

		if dest == "" {
			return ErrNoDestination
		}

		id = r.register(ctx, r.Classify(rawURL), rawURL, dest, nil, "", true)

		return nil
	})

	return id, err
}

// register builds and records a transfer and, when queue is set, hands it to its
// group for admission. rec seeds the counters of a transfer reloaded from the
// descriptor at path.
func (r *Registry) register(ctx context.Context, kind transfer.Kind, source, dest string, rec *descriptor.Record, path string, queue bool) int {
	r.mu.Lock()
	r.nextID++
	e := &entry{
		id:             r.nextID,
		source:         source,
		dest:           dest,
		descriptorPath: path,
		progress:       progressLog{interval: progressInterval},
	}
	r.mu.Unlock()

	e.t = r.build(e, kind, source, dest, rec)
	e.group = r.groupFor(source)

	e.t.OnStateChanged(func(c transfer.StateChange) { r.onStateChanged(e, c) })
	e.t.OnPositionChanged(func() { r.onPositionChanged(e) })

	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()

	ctx = logctx.WithTransferID(ctx, e.id)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer registered",
		"kind", kind, "source", source, "destination", e.t.Destination(), "group", e.group.Name())

	r.track(ctx, e)

	if queue {
		e.group.Enqueue(e.t)
	} else {
		e.group.Add(e.t)
	}

	return e.id
}

func (r *Registry) build(e *entry, kind transfer.Kind, source, dest string, rec *descriptor.Record) transfer.Transfer {
	env := r.envFor(kind)

	switch kind {
	case transfer.KindHosting:
		opts := []hosting.Option{
			hosting.WithPrompter(hosting.PrompterFunc(func(*hosting.Transfer, hosting.Challenge) {
				r.challengeReady(e)
			})),
		}
		if rec != nil {
			opts = append(opts, hosting.WithProgress(rec.Size, rec.Completed))
		}

		return hosting.New(env, source, dest, opts...)
	case transfer.KindVideo:
		var opts []video.Option
		if r.videoInfoURL != "" {
			opts = append(opts, video.WithInfoURL(r.videoInfoURL))
		}
		if rec != nil {
			opts = append(opts, video.WithProgress(rec.Size, rec.Completed))
		}

		return video.New(env, source, dest, opts...)
	default:
		var opts []direct.Option
		if rec != nil {
			opts = append(opts, direct.WithProgress(rec.Size, rec.Completed))
		}

		return direct.New(env, source, dest, opts...)
	}
}

// envFor returns the environment for transfers of kind, counting the stages
// their pipelines construct.
func (r *Registry) envFor(kind transfer.Kind) *transfer.Env {
	env := *r.env
	env.Observe = func(transfer.Transfer) { r.tel.RecordStage(string(kind)) }

	return &env
}

// groupFor returns the group of the source's host, creating it on first use.
func (r *Registry) groupFor(source string) *group.Group {
	name := "default"
	if u, err := url.Parse(source); err == nil && u.Hostname() != "" {
		name = strings.ToLower(u.Hostname())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		g = group.New(name, r.env.Logger)
		r.groups[name] = g
	}

	return g
}

func (r *Registry) lookup(id int) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return e, nil
}

func (r *Registry) Get(id int) (transfer.Transfer, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	return e.t, nil
}

// Snapshot is a point-in-time view of one registered transfer.
type Snapshot struct {
	ID               int
	Kind             transfer.Kind
	Title            string
	Source           string
	Destination      string
	Group            string
	State            transfer.State
	SizeTotal        int64
	SizeCompleted    int64
	TimeRemaining    int64
	Err              error
	ChallengePending bool
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ID:               e.id,
		Kind:             e.t.Kind(),
		Title:            e.t.Title(),
		Source:           e.t.Source(),
		Destination:      e.t.Destination(),
		Group:            e.group.Name(),
		State:            e.t.State(),
		SizeTotal:        e.t.SizeTotal(),
		SizeCompleted:    e.t.SizeCompleted(),
		TimeRemaining:    e.t.TimeRemaining(),
		Err:              e.t.Err(),
		ChallengePending: e.challenge.Load(),
	}
}

func (r *Registry) Snapshot(id int) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	return e.snapshot(), nil
}

// List returns a snapshot of every transfer ordered by identifier.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0)
	for _, e := range r.sortedEntries() {
		out = append(out, e.snapshot())
	}

	return out
}

func (r *Registry) sortedEntries() []*entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	return entries
}

// Start (re)introduces a transfer to its group. It runs now if the group is idle.
func (r *Registry) Start(ctx context.Context, id int) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	if !e.group.Enqueue(e.t) {
		return fmt.Errorf("%w: cannot start a %s transfer", ErrInvalidTransition, e.t.State())
	}

	return nil
}

// Pause returns once the transfer has stopped writing.
func (r *Registry) Pause(ctx context.Context, id int) error {
	return r.control(id, "pause", transfer.Transfer.Pause)
}

func (r *Registry) Stop(ctx context.Context, id int) error {
	return r.control(id, "stop", transfer.Transfer.Stop)
}

// Cancel stops the transfer for good and removes its partial file.
func (r *Registry) Cancel(ctx context.Context, id int) error {
	return r.control(id, "cancel", transfer.Transfer.Cancel)
}

func (r *Registry) control(id int, op string, fn func(transfer.Transfer) bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	if !fn(e.t) {
		return fmt.Errorf("%w: cannot %s a %s transfer", ErrInvalidTransition, op, e.t.State())
	}

	return nil
}

// Remove forgets a transfer. An active transfer is stopped first; its partial
// file and descriptor are kept.
func (r *Registry) Remove(ctx context.Context, id int) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	if e.t.State().IsActive() {
		e.t.Stop()
	}

	e.group.Remove(e.t)
	r.clearChallenge(e)

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	ctx = logctx.WithTransferID(ctx, id)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer removed")

	return nil
}

// Export writes the descriptor of one transfer. A running transfer is paused for
// the write and then resumes, so the recorded counters match the file on disk.
func (r *Registry) Export(ctx context.Context, id int) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	return e.group.Suspend(e.t, func() error {
		return r.export(ctx, e)
	})
}

func (r *Registry) export(ctx context.Context, e *entry) error {
	if err := e.t.Export(); err != nil {
		return fmt.Errorf("failed to export transfer %d: %w", e.id, err)
	}

	// A descriptor read under another name, e.g. a legacy extension, would
	// otherwise be loaded twice.
	written := filepath.Join(r.env.DescriptorDir, descriptor.FileName(e.t.Source(), e.t.Kind().Extension()))

	e.descMu.Lock()
	defer e.descMu.Unlock()

	if e.descriptorPath != "" && e.descriptorPath != written {
		if err := os.Remove(e.descriptorPath); err != nil && !os.IsNotExist(err) {
			logctx.LoggerFromContext(ctx).Warn("failed to remove superseded descriptor", "path", e.descriptorPath, "err", err)
		}
	}

	e.descriptorPath = written

	return nil
}

// ExportAll pauses every active transfer and writes a descriptor for each one
// that has not finished. It is meant for shutdown: queued transfers are paused
// first so pausing the running ones admits nothing new.
func (r *Registry) ExportAll(ctx context.Context) error {
	return r.tel.InstrumentRegistryOperation(ctx, "export_all", func(ctx context.Context) error {
		var errs []error

		entries := r.sortedEntries()

		for _, e := range entries {
			if e.t.State() == transfer.StateQueued {
				e.t.Pause()
			}
		}

		for _, e := range entries {
			if e.t.State().IsActive() {
				e.t.Pause()
			}
		}

		for _, e := range entries {
			if e.t.State().IsFinal() {
				continue
			}

			if err := r.export(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}

// History returns the recorded transfers, including those of earlier runs.
func (r *Registry) History(ctx context.Context) ([]storage.TransferRecord, error) {
	if r.repo == nil {
		return nil, nil
	}

	return r.repo.GetTransfers(ctx)
}

func (r *Registry) emit(ch chan Event, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case ch <- ev:
	default:
		r.env.Logger.Warn("dropping transfer event, consumer is behind", "transfer_id", ev.ID)
	}
}
