// Package registry loads the tenant registry from configuration and
// resolves firings to the tenants bound to them. Tenants are immutable
// for the life of the process; changing the registry means a restart.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"polltrigger/internal/config"
	"polltrigger/internal/types"
)

// cronParser accepts standard 5-field expressions plus an optional
// leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// horizonMultiple is how many schedule periods a guard entry outlives
// its tick. It must comfortably cover the platform's duplicate
// invocation window (retried cold starts, overlapping instances).
const horizonMultiple = 4

// Registry holds the loaded tenants, indexed by identity and by
// schedule name.
type Registry struct {
	byID   map[string]types.Tenant
	byName map[string][]types.Tenant
}

// New builds a Registry from tenant definitions. Each definition's cron
// expression must parse and produce at least one future fire time in
// its timezone; tenant IDs must be unique. The per-tenant dedup horizon
// is derived from the schedule period, floored by minHorizon.
func New(defs []config.TenantDefinition, minHorizon time.Duration) (*Registry, error) {
	if len(defs) == 0 {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "tenant registry is empty", nil)
	}

	r := &Registry{
		byID:   make(map[string]types.Tenant, len(defs)),
		byName: make(map[string][]types.Tenant),
	}

	for _, def := range defs {
		tenant, err := buildTenant(def, minHorizon)
		if err != nil {
			return nil, err
		}

		if _, dup := r.byID[tenant.ID]; dup {
			return nil, types.NewAppError(
				types.ErrCodeConfigInvalid,
				fmt.Sprintf("duplicate tenant identity %q", tenant.ID),
				nil,
			)
		}

		r.byID[tenant.ID] = tenant
		r.byName[tenant.ScheduleName] = append(r.byName[tenant.ScheduleName], tenant)
	}

	return r, nil
}

// buildTenant validates one definition and derives resolution, horizon,
// and TTL.
func buildTenant(def config.TenantDefinition, minHorizon time.Duration) (types.Tenant, error) {
	if def.ID == "" {
		return types.Tenant{}, types.NewAppError(types.ErrCodeConfigInvalid, "tenant definition missing id", nil)
	}
	if def.QueueURL == "" {
		return types.Tenant{}, types.NewAppError(
			types.ErrCodeConfigInvalid,
			fmt.Sprintf("tenant %q missing queue_url", def.ID),
			nil,
		)
	}

	scheduleName := def.ScheduleName
	if scheduleName == "" {
		// One schedule per tenant is the degenerate binding; name it
		// after the tenant so the firing payload stays uniform.
		scheduleName = def.ID
	}

	loc := time.UTC
	if def.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(def.Timezone)
		if err != nil {
			return types.Tenant{}, types.NewAppError(
				types.ErrCodeConfigInvalid,
				fmt.Sprintf("tenant %q has invalid timezone %q", def.ID, def.Timezone),
				err,
			)
		}
	}

	sched, err := cronParser.Parse(def.CronExpr)
	if err != nil {
		return types.Tenant{}, types.NewAppError(
			types.ErrCodeConfigInvalid,
			fmt.Sprintf("tenant %q has invalid cron expression %q", def.ID, def.CronExpr),
			err,
		)
	}

	now := time.Now().In(loc)
	next := sched.Next(now)
	if next.IsZero() {
		return types.Tenant{}, types.NewAppError(
			types.ErrCodeConfigInvalid,
			fmt.Sprintf("tenant %q cron expression %q has no future fire time", def.ID, def.CronExpr),
			nil,
		)
	}

	// Schedule period from two consecutive fire times. Irregular
	// schedules get a horizon based on their shortest local gap, which
	// is the conservative choice for dedup.
	period := sched.Next(next).Sub(next)
	horizon := time.Duration(horizonMultiple) * period
	if horizon < minHorizon {
		horizon = minHorizon
	}

	resolution := types.ResolutionMinute
	if len(strings.Fields(def.CronExpr)) == 6 {
		resolution = types.ResolutionSecond
	}

	ttl := types.TTLInfinite
	if def.TTLSeconds != nil {
		if *def.TTLSeconds < 0 {
			return types.Tenant{}, types.NewAppError(
				types.ErrCodeConfigInvalid,
				fmt.Sprintf("tenant %q has negative ttl_seconds", def.ID),
				nil,
			)
		}
		ttl = time.Duration(*def.TTLSeconds) * time.Second
	}

	return types.Tenant{
		ID:           def.ID,
		ScheduleName: scheduleName,
		CronExpr:     def.CronExpr,
		Timezone:     loc.String(),
		QueueURL:     def.QueueURL,
		TTL:          ttl,
		Resolution:   resolution,
		DedupHorizon: horizon,
	}, nil
}

// Resolve returns the tenants bound to a firing. Explicit tenant tags
// in the firing win over the schedule-name binding; an unknown tag or
// an unbound schedule name is a configuration error, fatal for this
// tick only.
func (r *Registry) Resolve(firing types.Firing) ([]types.Tenant, error) {
	if len(firing.Tenants) > 0 {
		tenants := make([]types.Tenant, 0, len(firing.Tenants))
		for _, id := range firing.Tenants {
			tenant, ok := r.byID[id]
			if !ok {
				return nil, types.NewAppErrorWithDetails(
					types.ErrCodeConfigUnknownTenant,
					fmt.Sprintf("tenant %q bound to firing is not in the registry", id),
					nil,
					map[string]any{"schedule": firing.ScheduleName},
				)
			}
			tenants = append(tenants, tenant)
		}
		return tenants, nil
	}

	tenants, ok := r.byName[firing.ScheduleName]
	if !ok || len(tenants) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeConfigUnknownTenant,
			fmt.Sprintf("no tenants bound to schedule %q", firing.ScheduleName),
			nil,
		)
	}
	return tenants, nil
}

// Tenant looks up a single tenant by identity.
func (r *Registry) Tenant(id string) (types.Tenant, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Len reports the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.byID)
}
