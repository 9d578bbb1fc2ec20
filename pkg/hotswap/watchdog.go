package hotswap

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/types"
)

// watchdog guards one swap for its rollback window. It arms before the new
// module loads and reaches exactly one terminal state: succeeded when the
// window closes quietly, rolled back when the service crashes inside it,
// abandoned when its event subscription lapses, or silenced when the swap
// call withdrew it.
type watchdog struct {
	swapper *Swapper
	tenant  string
	service string
	subject string
	old     *runtime.Module
	newVer  uint64
	startID uint64
	window  time.Duration
	sub     *events.Subscriber
	silence chan struct{}
	done    atomic.Bool
}

// claim reserves the terminal transition. Exactly one claim succeeds per
// watchdog.
func (wd *watchdog) claim() bool { return wd.done.CompareAndSwap(false, true) }

func (wd *watchdog) stop() { close(wd.silence) }

func (wd *watchdog) watch() {
	defer wd.sub.Close()
	timer := time.NewTimer(wd.window)
	defer timer.Stop()

	for {
		select {
		case <-wd.silence:
			return
		case ev, ok := <-wd.sub.Events():
			if !ok {
				// The subscription lapsed: the store shut down, or this
				// watchdog fell behind the log and was dropped. Crashes are
				// no longer visible, so no verdict is possible; stand down
				// rather than hold the slot forever.
				if wd.claim() {
					wd.abandon()
				}
				return
			}
			if ev.Type != types.EventServiceCrashed || ev.Subject != wd.subject {
				continue
			}
			if !wd.claim() {
				return
			}
			wd.rollback(ev)
			return
		case <-timer.C:
			if !wd.claim() {
				return
			}
			wd.succeed()
			return
		}
	}
}

// abandon frees the slot after the watchdog lost its subscription inside the
// window. The new module stays in place; crashes from here on are ordinary
// supervisor restarts, not rollbacks. Emits nothing when the store is already
// closed.
func (wd *watchdog) abandon() {
	defer wd.swapper.release(wd.subject)
	s := wd.swapper
	s.bus.EmitCaused(types.EventHotSwapFailed, wd.tenant, wd.subject, map[string]any{
		"stage":  "watch",
		"reason": "event subscription lapsed before the window closed",
	}, wd.startID)
	metrics.SwapsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn().Str("tenant", wd.tenant).Str("service", wd.service).
		Uint64("version", wd.newVer).Msg("hot swap watchdog lost its subscription, window abandoned")
}

// succeed closes the window. A service deliberately removed during the window
// gets no verdict: there is nothing left to have succeeded.
func (wd *watchdog) succeed() {
	defer wd.swapper.release(wd.subject)
	s := wd.swapper
	if _, ok := s.reg.Lookup(wd.tenant, wd.service); !ok {
		s.logger.Info().Str("tenant", wd.tenant).Str("service", wd.service).
			Msg("rollback window closed on a removed service")
		return
	}
	s.bus.EmitCaused(types.EventHotSwapSucceeded, wd.tenant, wd.subject, map[string]any{
		"method":  "hot_swap",
		"version": wd.newVer,
	}, wd.startID)
	metrics.SwapsTotal.WithLabelValues("succeeded").Inc()
	s.logger.Info().Str("tenant", wd.tenant).Str("service", wd.service).
		Uint64("version", wd.newVer).Msg("hot swap succeeded")
}

// rollback reinstates the old module after a crash inside the window. The
// namespace table is restored first so any restart from here on boots the old
// code; the rest is converging whatever the crash left behind.
func (wd *watchdog) rollback(ev *types.Event) {
	defer wd.swapper.release(wd.subject)
	s := wd.swapper
	restored := s.engine.Restore(wd.old)

	willRestart, _ := ev.Payload["will_restart"].(bool)
	if !willRestart {
		// Terminal crash: the supervisor gave the service up. Clear whatever
		// registration the dead incarnation left and deploy the restored
		// module fresh. The unregister mirrors the kernel's death hook; both
		// are conditional on the dead handle, so whichever runs first wins.
		if entry, ok := s.reg.Lookup(wd.tenant, wd.service); ok && !entry.Pending {
			if s.reg.UnregisterIf(wd.tenant, wd.service, entry.Handle.ID) {
				s.disc.WithdrawService(wd.tenant, wd.service)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.applyWait)
		_, err := s.dep.Redeploy(ctx, wd.tenant, wd.service)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", wd.tenant).Str("service", wd.service).
				Msg("rollback redeploy failed")
		}
	} else if w, ok := s.liveWorker(wd.tenant, wd.service); ok {
		// The supervisor already brought the next incarnation up. Usually the
		// restore above lands before the backoff elapses and the factory boots
		// the old module; when the restart won the race, swing the live worker
		// back in place.
		ctx, cancel := context.WithTimeout(context.Background(), s.applyWait)
		err := w.Swap(ctx, restored)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", wd.tenant).Str("service", wd.service).
				Msg("in-place rollback failed, the next restart boots the restored module")
		}
	}

	reason, _ := ev.Payload["reason"].(string)
	s.bus.EmitCaused(types.EventHotSwapRolledBack, wd.tenant, wd.subject, map[string]any{
		"reason":           reason,
		"restored_version": restored.Version,
	}, wd.startID)
	metrics.SwapsTotal.WithLabelValues("rolled_back").Inc()
	s.logger.Warn().Str("tenant", wd.tenant).Str("service", wd.service).
		Uint64("restored_version", restored.Version).Msg("hot swap rolled back")
}
