// Package servent implements spec component H: app-owned HA entities
// whose authoritative state is held by the runtime and mutated via HA
// service calls (servents.create_entity / servents.update_state).
//
// Grounded on domovoy/plugins/servents (ServentsPlugin._create_entity's
// create-then-poll-the-cache pattern) and built atop internal/facade.Facade
// for the call_service/get_state primitives.
package servent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/pkg/app"
)

const (
	resolvePollInterval = 100 * time.Millisecond
	resolvePollAttempts = 50
)

// Servents implements habitat/pkg/app.Servents for one app instance.
type Servents struct {
	appID string
	hass  app.Hass
	mgr   *cache.Manager
	clk   clock.Waiter
	log   *zap.Logger
}

func New(appID string, hass app.Hass, mgr *cache.Manager, clk clock.Waiter, log *zap.Logger) *Servents {
	return &Servents{appID: appID, hass: hass, mgr: mgr, clk: clk, log: log}
}

var _ app.Servents = (*Servents)(nil)

// Create sends servents.create_entity, then polls the state cache for
// the entity carrying attribute servent_id == spec.ServentID, up to
// spec §4.6's ~50x100ms retry window.
func (s *Servents) Create(ctx context.Context, spec app.ServentSpec) (string, error) {
	scopedID := s.appID + "-" + spec.ServentID

	payload := map[string]interface{}{
		"servent_id": scopedID,
		"app_name":   s.appID,
		"device":     spec.Device,
		"category":   spec.Category,
		"domain":     spec.Domain,
		"name":       spec.Name,
		"config":     spec.Config,
	}

	if _, err := s.hass.CallService(ctx, "servents", "create_entity", map[string]interface{}{
		"entities": []interface{}{payload},
	}); err != nil {
		return "", fmt.Errorf("servent %s: create_entity failed: %w", spec.ServentID, err)
	}

	for attempt := 0; attempt < resolvePollAttempts; attempt++ {
		if state, ok := s.mgr.FindByAttribute("servent_id", scopedID); ok {
			return state.EntityID, nil
		}

		select {
		case <-s.clk.After(resolvePollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.log.Warn("servent: entity did not appear in cache after creation",
		zap.String("servent_id", scopedID))
	return "", fmt.Errorf("servent %s: entity did not appear after %d attempts", spec.ServentID, resolvePollAttempts)
}

// SetTo forwards a local write to servents.update_state.
func (s *Servents) SetTo(ctx context.Context, serventID string, value interface{}, attrs map[string]interface{}) error {
	scopedID := s.appID + "-" + serventID
	_, err := s.hass.CallService(ctx, "servents", "update_state", map[string]interface{}{
		"servent_id": scopedID,
		"state":      value,
		"attributes": attrs,
	})
	return err
}

// Get reads the servent's entity state directly out of the cache by
// resolving its servent_id attribute.
func (s *Servents) Get(serventID string) (cache.EntityState, bool) {
	return s.mgr.FindByAttribute("servent_id", s.appID+"-"+serventID)
}
