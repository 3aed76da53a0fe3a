package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fieldsync/syncer"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrNotRunning the controller is not started, or already stopped
var ErrNotRunning = errors.New("sync controller not running")

// Cleaner removes stale synced submissions
type Cleaner interface {
	PurgeStaleSynced(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ControllerParams scheduling controller parameters
type ControllerParams struct {
	// Engine the sync engine
	Engine syncer.SyncEngine `validate:"required"`
	// Monitor connectivity monitor
	Monitor Monitor `validate:"required"`
	// Cleaner optional cleanup sweep target
	Cleaner Cleaner
	// Debounce delay between coming online and draining; later transitions restart it
	Debounce time.Duration `validate:"gte=0"`
	// PeriodicInterval interval between scheduled drains
	PeriodicInterval time.Duration `validate:"gt=0"`
	// CleanupInterval interval between cleanup sweeps
	CleanupInterval time.Duration `validate:"gte=0"`
	// SyncedRetention how long stale synced submissions are kept
	SyncedRetention time.Duration `validate:"gte=0"`
}

// Controller decides when the sync engine drains the queue
type Controller struct {
	goutils.Component
	params ControllerParams

	lock          sync.Mutex
	running       bool
	runCtx        context.Context
	runCancel     context.CancelFunc
	debounceTimer *time.Timer
	unsubscribe   func()
	wg            sync.WaitGroup
}

/*
NewController define a new scheduling controller

	@param params ControllerParams - controller parameters
	@returns controller instance
*/
func NewController(params ControllerParams) (*Controller, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid controller parameters [%w]", err)
	}
	return &Controller{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "connectivity", "component": "sync-controller"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		params: params,
	}, nil
}

/*
Start attach to the connectivity monitor and start the periodic timers

	@param ctx context.Context - execution context; the controller stops when it is cancelled
*/
func (c *Controller) Start(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.running {
		return fmt.Errorf("sync controller already started")
	}

	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.running = true
	c.unsubscribe = c.params.Monitor.Subscribe(c.onConnectivityChange)

	c.wg.Add(1)
	go c.scheduleLoop(c.runCtx)

	log.WithFields(c.LogTags).
		WithField("debounce", c.params.Debounce).
		WithField("periodic", c.params.PeriodicInterval).
		Info("Sync controller started")
	return nil
}

/*
Stop cancel all timers and detach from the connectivity monitor. No drain is triggered
after Stop returns; in-progress drains, user requested ones included, are cancelled and
waited on.
*/
func (c *Controller) Stop() {
	c.lock.Lock()
	if !c.running {
		c.lock.Unlock()
		return
	}
	c.running = false
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.unsubscribe()
	c.runCancel()
	c.lock.Unlock()

	c.wg.Wait()
	log.WithFields(c.LogTags).Info("Sync controller stopped")
}

// onConnectivityChange (re)start the debounce window on coming online
func (c *Controller) onConnectivityChange(online bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.running {
		return
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if !online {
		return
	}
	c.debounceTimer = time.AfterFunc(c.params.Debounce, func() {
		c.trigger("connectivity")
	})
}

// trigger run a drain in the background unless the controller stopped
func (c *Controller) trigger(reason string) {
	c.lock.Lock()
	if !c.running {
		c.lock.Unlock()
		return
	}
	runCtx := c.runCtx
	c.wg.Add(1)
	c.lock.Unlock()

	go func() {
		defer c.wg.Done()
		c.drain(runCtx, reason)
	}()
}

// drain run one drain and log its outcome
func (c *Controller) drain(ctx context.Context, reason string) {
	result, err := c.params.Engine.Drain(ctx)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).WithField("reason", reason).Error("Drain failed")
		return
	}
	if result.SuccessCount+result.ErrorCount > 0 {
		log.WithFields(c.LogTags).
			WithField("reason", reason).
			WithField("success", result.SuccessCount).
			WithField("errors", result.ErrorCount).
			Debug("Triggered drain finished")
	}
}

// cleanup run one cleanup sweep
func (c *Controller) cleanup(ctx context.Context) {
	if c.params.Cleaner == nil || c.params.SyncedRetention <= 0 {
		return
	}
	if _, err := c.params.Cleaner.PurgeStaleSynced(ctx, c.params.SyncedRetention); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Cleanup sweep failed")
	}
}

// scheduleLoop periodic drain and cleanup timers
func (c *Controller) scheduleLoop(ctx context.Context) {
	defer c.wg.Done()

	periodic := time.NewTicker(c.params.PeriodicInterval)
	defer periodic.Stop()

	var cleanupTick <-chan time.Time
	if c.params.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(c.params.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupTick = cleanupTicker.C
	}

	c.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-periodic.C:
			if c.params.Monitor.IsOnline() && !c.params.Engine.IsSyncing() {
				c.drain(ctx, "periodic")
			}
		case <-cleanupTick:
			c.cleanup(ctx)
		}
	}
}

/*
TriggerNow user requested sync; preempts a wedged drain. The drain belongs to the
controller: it is cancelled by Stop, not by the caller going away.

	@param ctx context.Context - execution context
	@returns the drain outcome
*/
func (c *Controller) TriggerNow(ctx context.Context) (syncer.DrainResult, error) {
	c.lock.Lock()
	if !c.running {
		c.lock.Unlock()
		return syncer.DrainResult{}, ErrNotRunning
	}
	runCtx := c.runCtx
	c.wg.Add(1)
	c.lock.Unlock()
	defer c.wg.Done()

	log.WithFields(c.GetLogTagsForContext(ctx)).Debug("User requested drain")
	return c.params.Engine.ForceSync(runCtx)
}
