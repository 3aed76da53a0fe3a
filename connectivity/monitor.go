// Package connectivity - connectivity tracking and sync scheduling
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Prober checks whether the remote API can be reached
type Prober interface {
	Ping(ctx context.Context) error
}

// ChangeHandler callback on connectivity transitions
type ChangeHandler func(online bool)

// Monitor tracks whether the device is online
type Monitor interface {
	// IsOnline whether the device is currently believed online
	IsOnline() bool

	/*
		SetOnline record a connectivity observation, e.g. from a platform network event.
		Subscribers are only notified on transitions.

			@param online bool - observed state
	*/
	SetOnline(online bool)

	/*
		Subscribe register a transition callback

			@param handler ChangeHandler - the callback
			@returns function to remove the subscription
	*/
	Subscribe(handler ChangeHandler) func()

	/*
		Start begin probing the remote at a fixed interval, if a prober is configured

			@param ctx context.Context - execution context; probing ends when it is cancelled
	*/
	Start(ctx context.Context) error

	// Stop end probing and wait for the probe loop to exit
	Stop()
}

// MonitorParams connectivity monitor parameters
type MonitorParams struct {
	// Prober optional remote prober
	Prober Prober
	// ProbeInterval interval between probes
	ProbeInterval time.Duration
	// ProbeTimeout timeout of one probe; defaults to the probe interval
	ProbeTimeout time.Duration
	// InitiallyOnline state assumed before the first observation
	InitiallyOnline bool
}

// monitor implements Monitor
type monitor struct {
	goutils.Component
	params MonitorParams

	lock        sync.Mutex
	online      bool
	nextSubID   int
	subscribers map[int]ChangeHandler

	probeCancel context.CancelFunc
	probeWG     sync.WaitGroup
}

/*
NewMonitor define a new connectivity monitor

	@param params MonitorParams - monitor parameters
	@returns monitor instance
*/
func NewMonitor(params MonitorParams) Monitor {
	if params.ProbeTimeout <= 0 {
		params.ProbeTimeout = params.ProbeInterval
	}
	return &monitor{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "connectivity", "component": "monitor"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		params:      params,
		online:      params.InitiallyOnline,
		subscribers: map[int]ChangeHandler{},
	}
}

func (m *monitor) IsOnline() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.online
}

func (m *monitor) SetOnline(online bool) {
	m.lock.Lock()
	if m.online == online {
		m.lock.Unlock()
		return
	}
	m.online = online
	handlers := make([]ChangeHandler, 0, len(m.subscribers))
	for _, handler := range m.subscribers {
		handlers = append(handlers, handler)
	}
	m.lock.Unlock()

	log.WithFields(m.LogTags).WithField("online", online).Info("Connectivity changed")
	for _, handler := range handlers {
		handler(online)
	}
}

func (m *monitor) Subscribe(handler ChangeHandler) func() {
	m.lock.Lock()
	defer m.lock.Unlock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers[subID] = handler
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.subscribers, subID)
	}
}

// probe run one probe and record the result
func (m *monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.params.ProbeTimeout)
	defer cancel()
	err := m.params.Prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Debug("Remote probe failed")
	}
	m.SetOnline(err == nil)
}

func (m *monitor) Start(ctx context.Context) error {
	if m.params.Prober == nil {
		return nil
	}
	if m.params.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.probeCancel != nil {
		return fmt.Errorf("connectivity monitor already started")
	}
	probeCtx, cancel := context.WithCancel(ctx)
	m.probeCancel = cancel

	m.probeWG.Add(1)
	go func() {
		defer m.probeWG.Done()
		ticker := time.NewTicker(m.params.ProbeInterval)
		defer ticker.Stop()
		m.probe(probeCtx)
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				m.probe(probeCtx)
			}
		}
	}()
	return nil
}

func (m *monitor) Stop() {
	m.lock.Lock()
	cancel := m.probeCancel
	m.probeCancel = nil
	m.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	m.probeWG.Wait()
}
