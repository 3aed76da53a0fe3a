// Package status - sync status reporting for the UI
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fieldsync/connectivity"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Snapshot sync status as displayed to the user
type Snapshot struct {
	Pending   int       `json:"pending"`
	Syncing   int       `json:"syncing"`
	Errors    int       `json:"errors"`
	IsOnline  bool      `json:"isOnline"`
	IsSyncing bool      `json:"isSyncing"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// sameState whether two snapshots show the same status
func (s Snapshot) sameState(other Snapshot) bool {
	return s.Pending == other.Pending &&
		s.Syncing == other.Syncing &&
		s.Errors == other.Errors &&
		s.IsOnline == other.IsOnline &&
		s.IsSyncing == other.IsSyncing
}

// CountSource source of per state submission counts
type CountSource interface {
	CountsByStatus(ctx context.Context) (models.SyncStatusCounts, error)
}

// ConnectivitySource source of connectivity state
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(handler connectivity.ChangeHandler) func()
}

// SyncActivity reports whether a drain is running
type SyncActivity interface {
	IsSyncing() bool
}

// ChangeHandler callback on snapshot changes
type ChangeHandler func(snapshot Snapshot)

// ReporterParams status reporter parameters
type ReporterParams struct {
	Counts       CountSource        `validate:"required"`
	Connectivity ConnectivitySource `validate:"required"`
	Activity     SyncActivity       `validate:"required"`
	// PollInterval interval between refreshes
	PollInterval time.Duration `validate:"gt=0"`
}

// Reporter read-only aggregator of sync status. It never modifies the queue.
type Reporter struct {
	goutils.Component
	params ReporterParams

	lock        sync.Mutex
	current     Snapshot
	nextSubID   int
	subscribers map[int]ChangeHandler

	running     bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

/*
NewReporter define a new status reporter

	@param params ReporterParams - reporter parameters
	@returns reporter instance
*/
func NewReporter(params ReporterParams) (*Reporter, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid status reporter parameters [%w]", err)
	}
	return &Reporter{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "status", "component": "reporter"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		params:      params,
		subscribers: map[int]ChangeHandler{},
	}, nil
}

// Snapshot the last computed status
func (r *Reporter) Snapshot() Snapshot {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.current
}

/*
Subscribe register a callback invoked whenever the status changes

	@param handler ChangeHandler - the callback
	@returns function to remove the subscription
*/
func (r *Reporter) Subscribe(handler ChangeHandler) func() {
	r.lock.Lock()
	defer r.lock.Unlock()
	subID := r.nextSubID
	r.nextSubID++
	r.subscribers[subID] = handler
	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		delete(r.subscribers, subID)
	}
}

/*
Refresh recompute the status now

	@param ctx context.Context - execution context
	@returns the new status
*/
func (r *Reporter) Refresh(ctx context.Context) (Snapshot, error) {
	counts, err := r.params.Counts.CountsByStatus(ctx)
	if err != nil {
		return r.Snapshot(), fmt.Errorf("failed to read queue counts [%w]", err)
	}

	latest := Snapshot{
		Pending:   counts.Pending,
		Syncing:   counts.Syncing,
		Errors:    counts.Errors,
		IsOnline:  r.params.Connectivity.IsOnline(),
		IsSyncing: r.params.Activity.IsSyncing(),
		UpdatedAt: time.Now().UTC(),
	}

	r.lock.Lock()
	changed := !latest.sameState(r.current) || r.current.UpdatedAt.IsZero()
	r.current = latest
	handlers := []ChangeHandler{}
	if changed {
		for _, handler := range r.subscribers {
			handlers = append(handlers, handler)
		}
	}
	r.lock.Unlock()

	for _, handler := range handlers {
		handler(latest)
	}
	return latest, nil
}

// refreshInBackground refresh and log failures
func (r *Reporter) refreshInBackground(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Status refresh failed")
	}
}

/*
Start begin periodic refreshes

	@param ctx context.Context - execution context; the reporter stops when it is cancelled
*/
func (r *Reporter) Start(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.running {
		return fmt.Errorf("status reporter already started")
	}
	r.running = true
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.unsubscribe = r.params.Connectivity.Subscribe(r.onConnectivityChange)

	r.wg.Add(1)
	go func(runCtx context.Context) {
		defer r.wg.Done()
		ticker := time.NewTicker(r.params.PollInterval)
		defer ticker.Stop()
		r.refreshInBackground(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.refreshInBackground(runCtx)
			}
		}
	}(r.runCtx)
	return nil
}

// onConnectivityChange refresh right away rather than wait for the next poll
func (r *Reporter) onConnectivityChange(_ bool) {
	r.lock.Lock()
	if !r.running {
		r.lock.Unlock()
		return
	}
	runCtx := r.runCtx
	r.wg.Add(1)
	r.lock.Unlock()

	go func() {
		defer r.wg.Done()
		r.refreshInBackground(runCtx)
	}()
}

// Stop end periodic refreshes
func (r *Reporter) Stop() {
	r.lock.Lock()
	if !r.running {
		r.lock.Unlock()
		return
	}
	r.running = false
	r.unsubscribe()
	r.runCancel()
	r.lock.Unlock()

	r.wg.Wait()
}
