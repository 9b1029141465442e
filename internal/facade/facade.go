// Package facade implements spec component E: typed wrappers over the
// Wire Client and State Cache that apps call directly (get_state,
// call_service, listen_trigger, wait_for_state_to_be).
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/callback"
	"habitat/internal/clock"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

// Facade is constructed once per app instance (it needs the app's id to
// route listen_trigger registrations through the shared Callback
// Register under that app's ownership). It implements
// habitat/pkg/app.Hass.
type Facade struct {
	appID      string
	wireClient *wire.Client
	mgr        *cache.Manager
	reg        *callback.Register
	callbacks  app.Callbacks
	clk        clock.Clock
	logger     *zap.Logger
	readOnly   bool
}

// New constructs a Facade bound to one app instance. callbacks is that
// same app's Callbacks capability (internal/callback.AppCallbacks),
// reused here so WaitForStateToBe can build on listen_state exactly as
// spec §4.6 describes. readOnly mirrors the teacher's READ_ONLY
// environment flag: when set, CallService/FireEvent are logged and
// skipped instead of reaching Home Assistant.
func New(appID string, wireClient *wire.Client, mgr *cache.Manager, reg *callback.Register, callbacks app.Callbacks, clk clock.Clock, logger *zap.Logger, readOnly bool) *Facade {
	return &Facade{appID: appID, wireClient: wireClient, mgr: mgr, reg: reg, callbacks: callbacks, clk: clk, logger: logger, readOnly: readOnly}
}

var _ app.Hass = (*Facade)(nil)

// GetState returns the cached state string for entityID.
func (f *Facade) GetState(entityID string) (string, bool) {
	return f.mgr.GetState(entityID)
}

// GetAttribute returns a single attribute's cached value.
func (f *Facade) GetAttribute(entityID, attr string) (interface{}, bool) {
	return f.mgr.GetAttribute(entityID, attr)
}

// CallService forwards to the wire client, which owns the single-retry-
// with-return_response=true behavior from spec §7/§9(b). In read-only
// mode the call is logged and skipped, matching the teacher's
// READ_ONLY guard over outbound writes.
func (f *Facade) CallService(ctx context.Context, domain, service string, data interface{}, entityIDs ...string) (json.RawMessage, error) {
	if f.readOnly {
		f.logger.Info("facade: skipped call_service in read-only mode",
			zap.String("domain", domain), zap.String("service", service), zap.Strings("entity_ids", entityIDs))
		return nil, nil
	}
	return f.wireClient.CallService(ctx, wire.CallServiceRequest{
		Domain:    domain,
		Service:   service,
		Data:      data,
		EntityIDs: entityIDs,
	})
}

// FireEvent forwards to the wire client's fire_event. In read-only mode
// the call is logged and skipped.
func (f *Facade) FireEvent(ctx context.Context, eventType string, data interface{}) error {
	if f.readOnly {
		f.logger.Info("facade: skipped fire_event in read-only mode", zap.String("event_type", eventType))
		return nil
	}
	return f.wireClient.FireEvent(ctx, eventType, data)
}

// ListenTrigger subscribes to an opaque HA trigger spec, routed through
// the Callback Register under this app's ownership so it participates
// in the same instrumentation, bookkeeping, and bulk-cancel-on-terminate
// discipline as scheduler/event callbacks.
func (f *Facade) ListenTrigger(trigger interface{}, cb func(vars json.RawMessage)) (string, error) {
	return f.registerTrigger(trigger, cb)
}

func (f *Facade) registerTrigger(trigger interface{}, cb func(vars json.RawMessage)) (string, error) {
	ctx := context.Background()
	return f.reg.AddEvent(f.appID, "listen_trigger", nil, func(id string) (func(), error) {
		subID, err := f.wireClient.SubscribeTrigger(ctx, trigger, func(_ string, vars json.RawMessage) {
			f.reg.Invoke(id, f.appID, func() error {
				cb(vars)
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		return func() { _ = f.wireClient.UnsubscribeEvents(ctx, subID) }, nil
	})
}

// WaitForStateToBe blocks until entityID's cached state is one of
// states, optionally requiring it to have stayed that way
// continuously for at least duration (spec §4.6, §8 property 7). It is
// built on ListenState(immediate=true) as specified.
func (f *Facade) WaitForStateToBe(ctx context.Context, entityID string, states []string, duration, timeout time.Duration) error {
	contains := func(s string) bool {
		for _, x := range states {
			if x == s {
				return true
			}
		}
		return false
	}

	resultCh := make(chan error, 1)
	complete := func(err error) {
		select {
		case resultCh <- err:
		default:
		}
	}

	var listenerID string
	handler := func(_ string, _ string, _, new *cache.EntityState) {
		if new == nil || !contains(new.State) {
			return
		}
		if duration <= 0 {
			complete(nil)
			return
		}
		go f.awaitDuration(ctx, entityID, states, duration, complete)
	}

	id, err := f.callbacks.ListenState(entityID, handler, app.ListenOptions{Immediate: true})
	if err != nil {
		return err
	}
	listenerID = id
	defer f.callbacks.Cancel(listenerID)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = f.clk.After(timeout)
	}

	select {
	case err := <-resultCh:
		return err
	case <-timeoutCh:
		return fmt.Errorf("wait_for_state_to_be(%s): timed out after %s waiting for one of %v", entityID, timeout, states)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitDuration implements the re-check described in spec §4.6: sleep
// duration - time_in_current_state + 0.5s, then confirm the entity has
// in fact been in one of states continuously for at least duration.
func (f *Facade) awaitDuration(ctx context.Context, entityID string, states []string, duration time.Duration, complete func(error)) {
	cur, ok := f.mgr.Cache.Get(entityID)
	if !ok {
		return
	}
	remaining := clock.RemainingOrZero(f.clk.Now(), cur.LastChanged, duration, 500*time.Millisecond)

	select {
	case <-f.clk.After(remaining):
	case <-ctx.Done():
		return
	}

	latest, ok := f.mgr.Cache.Get(entityID)
	if !ok {
		return
	}
	contains := false
	for _, s := range states {
		if s == latest.State {
			contains = true
			break
		}
	}
	if contains && f.clk.Now().Sub(latest.LastChanged) >= duration {
		complete(nil)
	}
}
