package registration

import (
	"context"

	"fleet/internal/health"
)

// Check reports registration state for readiness checks. Degraded mode keeps
// the process serving, so it never reports unhealthy.
func (c *Client) Check(_ context.Context) health.CheckResult {
	switch s := c.State(); s {
	case StateRegistered:
		return health.CheckResult{Status: health.StatusHealthy}
	case StateDegraded:
		return health.CheckResult{Status: health.StatusDegraded, Message: "registration exhausted, retrying on heartbeat"}
	default:
		return health.CheckResult{Status: health.StatusDegraded, Message: s.String()}
	}
}
