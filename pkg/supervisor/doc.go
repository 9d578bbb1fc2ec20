// Package supervisor implements the three-tier supervision tree. The system
// tier guards kernel-critical components, the tenant tier creates one
// sub-supervisor per active tenant on first use, and each sub-supervisor owns
// its tenant's workers.
//
// Workers restart under a transient policy: an abnormal exit earns a restart
// with exponential backoff until the budget for the window is spent, while a
// deliberate stop or kill never restarts. A crash stays inside its tenant,
// and a tenant sub-supervisor failure never reaches the system tier.
package supervisor
