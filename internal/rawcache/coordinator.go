package rawcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"pixl/internal/config"
	"pixl/internal/constants"
	"pixl/internal/dimse"
	"pixl/internal/logger"
	"pixl/internal/source"
	pixlerrors "pixl/pkg/errors"
	"pixl/pkg/metrics"
)

// Observer receives lifecycle callbacks from the coordinator. This replaces
// store-side arrival scripts: the coordinator owns the lifecycle, the store
// only persists.
type Observer interface {
	OnInstanceStored(studyUID, sopInstanceUID string)
	OnStudyStable(studyUID string)
}

// Coordinator mediates all access to the raw cache: stability detection,
// missing-instance repair and LRU eviction with pinning.
type Coordinator struct {
	store     Store
	cfg       config.RawCacheConfig
	logger    logger.Logger
	observers []Observer

	mu         sync.Mutex
	pinned     map[string]bool      // study UID → in-progress, exempt from eviction
	lastAccess map[string]time.Time // study UID → recycling-LRU ordering
	seen       map[string]map[string]bool
}

func NewCoordinator(store Store, cfg config.RawCacheConfig, log logger.Logger) *Coordinator {
	if cfg.StableSeconds <= 0 {
		cfg.StableSeconds = constants.DefaultStableSeconds
	}
	if cfg.MaxStorageSizeMB <= 0 {
		cfg.MaxStorageSizeMB = constants.DefaultMaxStorageSizeMB
	}
	return &Coordinator{
		store:      store,
		cfg:        cfg,
		logger:     log,
		pinned:     make(map[string]bool),
		lastAccess: make(map[string]time.Time),
		seen:       make(map[string]map[string]bool),
	}
}

func (c *Coordinator) Register(observer Observer) {
	c.observers = append(c.observers, observer)
}

// Pin marks a study as in-progress so eviction skips it.
func (c *Coordinator) Pin(studyUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[studyUID] = true
	c.lastAccess[studyUID] = time.Now()
}

func (c *Coordinator) Unpin(studyUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, studyUID)
	c.lastAccess[studyUID] = time.Now()
}

// WaitForStable polls the cache until the study is stable: all expected
// instances arrived (when the count is known) or no new instance within the
// quiescence window. Every newly-seen instance triggers OnInstanceStored.
func (c *Coordinator) WaitForStable(ctx context.Context, studyUID string, expectedCount int) ([]Instance, error) {
	stableAge := time.Duration(c.cfg.StableSeconds) * time.Second
	ticker := time.NewTicker(constants.StabilityPollInterval)
	defer ticker.Stop()

	for {
		studyID, found, err := c.store.FindStudyID(ctx, studyUID)
		if err != nil {
			return nil, err
		}
		if found {
			instances, err := c.store.ListInstances(ctx, studyID)
			if err != nil {
				return nil, err
			}
			c.notifyNewInstances(studyUID, instances)

			if expectedCount > 0 && len(instances) >= expectedCount {
				c.notifyStable(studyUID)
				return instances, nil
			}

			lastUpdate, err := c.store.LastUpdate(ctx, studyID)
			if err == nil && !lastUpdate.IsZero() && time.Since(lastUpdate) >= stableAge && len(instances) > 0 {
				c.notifyStable(studyUID)
				return instances, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, pixlerrors.Wrap(pixlerrors.KindCacheUnstable,
				"study did not stabilise before cancellation", ctx.Err())
		case <-ticker.C:
		}
	}
}

// EnsureComplete compares the cache contents against the instances the
// source advertised and reissues targeted C-MOVEs for anything missing.
// Duplicate arrivals overwrite idempotently on the store side.
func (c *Coordinator) EnsureComplete(ctx context.Context, src source.Client, studyUID string, advertised []dimse.InstanceResult) ([]Instance, error) {
	var cached []Instance
	for round := 0; round < constants.MissingInstanceMaxRounds; round++ {
		studyID, found, err := c.store.FindStudyID(ctx, studyUID)
		if err != nil {
			return nil, err
		}
		if found {
			cached, err = c.store.ListInstances(ctx, studyID)
			if err != nil {
				return nil, err
			}
		}

		missing := missingInstances(cached, advertised)
		if len(missing) == 0 {
			return cached, nil
		}

		c.logger.Warnw("Repairing partially transferred study",
			"study_uid", studyUID,
			"missing", countInstances(missing),
			"round", round+1,
		)

		for seriesUID, sops := range missing {
			if _, err := src.MoveInstances(ctx, studyUID, seriesUID, sops); err != nil {
				return nil, err
			}
		}
	}

	return nil, pixlerrors.Newf(pixlerrors.KindCacheUnstable,
		"study %s still incomplete after %d repair rounds", studyUID, constants.MissingInstanceMaxRounds)
}

// missingInstances groups the advertised SOP instances absent from the
// cache by series, ready for targeted retrieval.
func missingInstances(cached []Instance, advertised []dimse.InstanceResult) map[string][]string {
	have := make(map[string]bool, len(cached))
	for _, instance := range cached {
		have[instance.SOPInstanceUID] = true
	}

	missing := make(map[string][]string)
	for _, instance := range advertised {
		if !have[instance.SOPInstanceUID] {
			missing[instance.SeriesInstanceUID] = append(missing[instance.SeriesInstanceUID], instance.SOPInstanceUID)
		}
	}
	for _, sops := range missing {
		sort.Strings(sops)
	}
	return missing
}

func countInstances(missing map[string][]string) int {
	n := 0
	for _, sops := range missing {
		n += len(sops)
	}
	return n
}

// InstanceBytes reads one instance's DICOM bytes, refreshing LRU order.
func (c *Coordinator) InstanceBytes(ctx context.Context, instanceID, studyUID string) ([]byte, error) {
	c.mu.Lock()
	c.lastAccess[studyUID] = time.Now()
	c.mu.Unlock()
	return c.store.InstanceBytes(ctx, instanceID)
}

// EvictIfNeeded removes least-recently-used unpinned studies until usage is
// below the configured ceiling.
func (c *Coordinator) EvictIfNeeded(ctx context.Context) error {
	studies, err := c.store.ListStudies(ctx)
	if err != nil {
		return err
	}
	metrics.RawCacheStudies.Set(float64(len(studies)))

	type studySize struct {
		id       string
		studyUID string
		sizeMB   int
	}
	total := 0
	sizes := make([]studySize, 0, len(studies))
	for _, study := range studies {
		stats, err := c.store.StudyStatistics(ctx, study.ID)
		if err != nil {
			return err
		}
		total += stats.DiskSizeMB
		sizes = append(sizes, studySize{id: study.ID, studyUID: study.StudyUID, sizeMB: stats.DiskSizeMB})
	}
	if total <= c.cfg.MaxStorageSizeMB {
		return nil
	}

	c.mu.Lock()
	sort.Slice(sizes, func(i, j int) bool {
		return c.lastAccess[sizes[i].studyUID].Before(c.lastAccess[sizes[j].studyUID])
	})
	pinned := make(map[string]bool, len(c.pinned))
	for uid := range c.pinned {
		pinned[uid] = true
	}
	c.mu.Unlock()

	for _, study := range sizes {
		if total <= c.cfg.MaxStorageSizeMB {
			break
		}
		if pinned[study.studyUID] {
			continue
		}
		if err := c.store.DeleteStudy(ctx, study.id); err != nil {
			return err
		}
		total -= study.sizeMB
		metrics.RawCacheEvictionsTotal.Inc()
		c.logger.Infow("Evicted study from raw cache",
			"study_uid", study.studyUID,
			"freed_mb", study.sizeMB,
		)
	}
	return nil
}

func (c *Coordinator) notifyNewInstances(studyUID string, instances []Instance) {
	c.mu.Lock()
	seen := c.seen[studyUID]
	if seen == nil {
		seen = make(map[string]bool)
		c.seen[studyUID] = seen
	}
	var fresh []string
	for _, instance := range instances {
		if !seen[instance.SOPInstanceUID] {
			seen[instance.SOPInstanceUID] = true
			fresh = append(fresh, instance.SOPInstanceUID)
		}
	}
	c.lastAccess[studyUID] = time.Now()
	c.mu.Unlock()

	for _, sop := range fresh {
		for _, observer := range c.observers {
			observer.OnInstanceStored(studyUID, sop)
		}
	}
}

func (c *Coordinator) notifyStable(studyUID string) {
	for _, observer := range c.observers {
		observer.OnStudyStable(studyUID)
	}
	c.mu.Lock()
	delete(c.seen, studyUID)
	c.mu.Unlock()
}
