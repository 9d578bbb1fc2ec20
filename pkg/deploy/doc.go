// Package deploy owns the service lifecycle pipeline: source in, running
// registered worker out, and the reverse on kill. The pipeline order is
// fixed (compile, reserve the name, start under the tenant's sub-supervisor,
// bind the live handle) so a failed deploy never disturbs an existing
// registration and a duplicate name is rejected before any worker starts.
package deploy
