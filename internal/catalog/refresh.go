package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the complete current project listing from the remote
// service. Implementations return *AuthError or *NetworkError on failure.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, token string) (map[DocumentID]RemoteRecord, error)
}

type FetcherFunc func(ctx context.Context, token string) (map[DocumentID]RemoteRecord, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, token string) (map[DocumentID]RemoteRecord, error) {
	return f(ctx, token)
}

type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerLogin    Trigger = "login"
	TriggerManual   Trigger = "manual"
	TriggerInterval Trigger = "interval"
)

const DefaultRefreshTimeout = 60 * time.Second

type RefreshResult struct {
	Trigger   Trigger   `json:"trigger"`
	Records   int       `json:"records"`
	Orphans   int       `json:"orphans"`
	FetchedAt time.Time `json:"fetchedAt"`
	Shared    bool      `json:"shared"`
}

type RefreshStatus struct {
	InFlight    bool      `json:"inFlight"`
	LastTrigger Trigger   `json:"lastTrigger,omitempty"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	Failures    int       `json:"failures"`
}

type RefresherOptions struct {
	Fetcher Fetcher
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Refresher fetches the remote listing and hands it to a Workspace. Calls
// that arrive while a refresh is running join it instead of starting
// another, so the snapshot store sees one replace per fetch. Close cancels
// a running fetch; a fetch that has finished is always applied whole.
type Refresher struct {
	ws      *Workspace
	fetcher Fetcher
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	token  string
	status RefreshStatus
}

func NewRefresher(ws *Workspace, opts RefresherOptions) (*Refresher, error) {
	if ws == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: workspace and fetcher are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		ws:      ws,
		fetcher: opts.Fetcher,
		timeout: timeout,
		logger:  logger.With("profile", ws.Profile()),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		token:   opts.Token,
	}, nil
}

func (r *Refresher) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// Login stores a new token and refreshes in the background.
func (r *Refresher) Login(token string) {
	r.SetToken(token)
	r.RefreshAsync(TriggerLogin)
}

// Start begins the startup refresh without waiting for it.
func (r *Refresher) Start() {
	r.RefreshAsync(TriggerStartup)
}

func (r *Refresher) RefreshAsync(trigger Trigger) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _ = r.Refresh(r.ctx, trigger)
	}()
}

// Refresh runs a refresh, or joins the one in flight, and waits for it.
// Cancelling ctx stops the wait only; the shared refresh carries on.
func (r *Refresher) Refresh(ctx context.Context, trigger Trigger) (RefreshResult, error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.run(trigger)
	})
	select {
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return RefreshResult{}, res.Err
		}
		result := res.Val.(RefreshResult)
		result.Shared = res.Shared
		return result, nil
	}
}

// TryRefresh is Refresh for callers that would rather be told than wait.
func (r *Refresher) TryRefresh(ctx context.Context, trigger Trigger) (RefreshResult, error) {
	if r.Status().InFlight {
		return RefreshResult{}, ErrRefreshInProgress
	}
	return r.Refresh(ctx, trigger)
}

func (r *Refresher) run(trigger Trigger) (RefreshResult, error) {
	attempted := r.now()
	r.mu.Lock()
	token := r.token
	r.status.InFlight = true
	r.status.LastTrigger = trigger
	r.status.LastAttempt = attempted
	r.status.Attempts++
	r.mu.Unlock()

	result, err := r.fetchAndApply(trigger, token)

	r.mu.Lock()
	r.status.InFlight = false
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	} else {
		r.status.LastSuccess = result.FetchedAt
		r.status.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		refreshErr := &RefreshError{Err: err, CachedAt: r.ws.SnapshotFetchedAt(), AttemptedAt: attempted}
		r.logger.Warn("refresh failed", "trigger", trigger, "err", err)
		r.ws.publish(Event{Type: EventRefreshFailed, Reason: string(trigger), Error: refreshErr.UserMessage()})
		return RefreshResult{}, refreshErr
	}
	r.logger.Info("refresh completed", "trigger", trigger, "records", result.Records, "orphans", result.Orphans)
	r.ws.publish(Event{Type: EventRefreshCompleted, Reason: string(trigger), Records: result.Records})
	return result, nil
}

func (r *Refresher) fetchAndApply(trigger Trigger, token string) (RefreshResult, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	records, err := r.fetcher.FetchSnapshot(ctx, token)
	if err != nil {
		return RefreshResult{}, err
	}
	if err := r.ctx.Err(); err != nil {
		return RefreshResult{}, err
	}
	snapshot := Snapshot{
		Records:   make(map[DocumentID]RemoteRecord, len(records)),
		FetchedAt: r.now().UTC(),
	}
	for id, rec := range records {
		if id == "" {
			return RefreshResult{}, fmt.Errorf("%w: remote listing contains a project without id", ErrInvalidInput)
		}
		rec.ID = id
		rec.LastModified = rec.LastModified.UTC()
		snapshot.Records[id] = rec
	}
	if err := r.ws.ApplySnapshot(snapshot); err != nil {
		return RefreshResult{}, err
	}
	ix := r.ws.Index()
	return RefreshResult{
		Trigger:   trigger,
		Records:   len(snapshot.Records),
		Orphans:   len(ix.orphans),
		FetchedAt: snapshot.FetchedAt,
	}, nil
}

func (r *Refresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run refreshes every interval, varied by up to jitter (0..1) of the
// interval, until ctx or the refresher is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration, jitter float64) {
	if interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-timer.C:
			if _, err := r.Refresh(ctx, TriggerInterval); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Debug("interval refresh failed", "err", err)
			}
			timer.Reset(JitteredInterval(interval, jitter, rng.Float64()))
		}
	}
}

// Close cancels any running fetch and waits for background refreshes.
func (r *Refresher) Close() {
	r.cancel()
	r.wg.Wait()
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval scales base by a factor in [1-jitter, 1+jitter] chosen
// by sample in [0, 1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
