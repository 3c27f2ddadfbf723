package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/bradfitz/gomemcache/memcache"
)

// PayloadCache short lived cache for playback payloads. Holds decrypted
// chunk windows and HLS segment files so repeated range reads against the
// same recording do not redo AEAD work.
type PayloadCache interface {
	/*
		CachePayload add a payload to the cache

			@param ctxt context.Context - execution context
			@param key string - payload reference key
			@param content []byte - payload bytes
			@param ttl time.Duration - retention before the entry expires
	*/
	CachePayload(ctxt context.Context, key string, content []byte, ttl time.Duration) error

	/*
		PurgePayloads delete payloads from the cache

			@param ctxt context.Context - execution context
			@param keys []string - payload reference keys to purge
	*/
	PurgePayloads(ctxt context.Context, keys []string) error

	/*
		GetPayload fetch a payload from the cache

			@param ctxt context.Context - execution context
			@param key string - payload reference key
			@returns payload bytes
	*/
	GetPayload(ctxt context.Context, key string) ([]byte, error)
}

// =====================================================================================
// In-Process (Local Ram) Payload Cache

// inProcessCacheEntry wrapper structure holding content with retention support
type inProcessCacheEntry struct {
	expireAt time.Time
	content  []byte
}

// inProcessPayloadCacheImpl implements PayloadCache
type inProcessPayloadCacheImpl struct {
	goutils.Component
	cache                      map[string]inProcessCacheEntry
	lock                       sync.RWMutex
	retentionCheckTimer        goutils.IntervalTimer
	retentionExecContext       context.Context
	retentionExecContextCancel context.CancelFunc
	wg                         sync.WaitGroup
}

/*
NewLocalPayloadCache define new local in process playback payload cache

	@param parentContext context.Context - parent context from which a worker context is defined
	    for the data retention enforcement process
	@param retentionCheckInterval time.Duration - cache entry retention enforce interval
	@returns new PayloadCache
*/
func NewLocalPayloadCache(
	parentContext context.Context, retentionCheckInterval time.Duration,
) (PayloadCache, error) {
	logTags := log.Fields{
		"module":    "utils",
		"component": "payload-cache",
		"instance":  "in-process",
	}

	workerCtxt, cancel := context.WithCancel(parentContext)

	instance := &inProcessPayloadCacheImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		cache:                      make(map[string]inProcessCacheEntry),
		lock:                       sync.RWMutex{},
		retentionExecContext:       workerCtxt,
		retentionExecContextCancel: cancel,
		wg:                         sync.WaitGroup{},
	}

	timer, err := goutils.GetIntervalTimerInstance(parentContext, &instance.wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define support timer")
		return nil, err
	}
	instance.retentionCheckTimer = timer

	// Start interval timer to trigger the cache retention enforcement logic
	if err := timer.Start(retentionCheckInterval, func() error {
		currentTime := time.Now().UTC()
		return instance.purgeExpiredEntry(workerCtxt, currentTime)
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start support timer")
		return nil, err
	}

	return instance, nil
}

func (c *inProcessPayloadCacheImpl) CachePayload(
	ctxt context.Context, key string, content []byte, ttl time.Duration,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cache[key] = inProcessCacheEntry{expireAt: time.Now().UTC().Add(ttl), content: content}
	return nil
}

func (c *inProcessPayloadCacheImpl) PurgePayloads(
	ctxt context.Context, keys []string,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, key := range keys {
		delete(c.cache, key)
	}

	return nil
}

func (c *inProcessPayloadCacheImpl) GetPayload(
	ctxt context.Context, key string,
) ([]byte, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil, fmt.Errorf("payload key '%s' is unknown", key)
	}
	if entry.expireAt.Before(time.Now().UTC()) {
		return nil, fmt.Errorf("payload key '%s' has expired", key)
	}
	return entry.content, nil
}

// purgeExpiredEntry purge expired cache entries
func (c *inProcessPayloadCacheImpl) purgeExpiredEntry(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	c.lock.Lock()
	defer c.lock.Unlock()

	// Check for expired entries
	purgeKeys := []string{}
	for key, entry := range c.cache {
		if entry.expireAt.Before(currentTime) {
			purgeKeys = append(purgeKeys, key)
			log.
				WithFields(logTags).
				WithField("payload-key", key).
				Debug("Playback payload expired")
		}
	}

	// Purge expired entries
	for _, purgeKey := range purgeKeys {
		delete(c.cache, purgeKey)
	}

	log.
		WithFields(logTags).
		Debugf("Purged [%d] expired playback payloads. [%d] remain in cache", len(purgeKeys), len(c.cache))

	return nil
}

// =====================================================================================
// Memcached Payload Cache

// memcachedPayloadCacheImpl implements PayloadCache
type memcachedPayloadCacheImpl struct {
	goutils.Component
	client *memcache.Client
}

/*
NewMemcachedPayloadCache define new memcached playback payload cache

	@param servers []string - list of memcached servers to connect to
	@returns new PayloadCache
*/
func NewMemcachedPayloadCache(servers []string) (PayloadCache, error) {
	logTags := log.Fields{
		"module":    "utils",
		"component": "payload-cache",
		"instance":  "memcached",
		"servers":   servers,
	}

	// Define memcached client
	mc := memcache.New(servers...)
	if err := mc.Ping(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Server Up check failed")
		return nil, err
	}

	return &memcachedPayloadCacheImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		}, client: mc,
	}, nil
}

func (c *memcachedPayloadCacheImpl) CachePayload(
	ctxt context.Context, key string, content []byte, ttl time.Duration,
) error {
	logTags := c.GetLogTagsForContext(ctxt)
	cacheEntry := &memcache.Item{Key: key, Value: content, Expiration: int32(ttl.Seconds())}
	if err := c.client.Set(cacheEntry); err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("payload-key", key).
			Error("Payload failed to cache")
		return err
	}
	log.
		WithFields(logTags).
		WithField("payload-key", key).
		WithField("ttl", int32(ttl.Seconds())).
		Debug("Cached payload")
	return nil
}

func (c *memcachedPayloadCacheImpl) PurgePayloads(ctxt context.Context, keys []string) error {
	logTags := c.GetLogTagsForContext(ctxt)
	var err error
	failedKeys := []string{}
	for _, key := range keys {
		if lclErr := c.client.Delete(key); lclErr != nil && lclErr != memcache.ErrCacheMiss {
			failedKeys = append(failedKeys, key)
			log.
				WithError(lclErr).
				WithFields(logTags).
				WithField("payload-key", key).
				Error("Payload purge failed")
		}
	}
	if len(failedKeys) > 0 {
		err = fmt.Errorf("failed to purge one or more payloads")
		log.
			WithError(err).
			WithFields(logTags).
			WithField("payload-keys", failedKeys).
			Error("Failed to purge payloads")
	}
	return err
}

func (c *memcachedPayloadCacheImpl) GetPayload(
	ctxt context.Context, key string,
) ([]byte, error) {
	logTags := c.GetLogTagsForContext(ctxt)
	entry, err := c.client.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("payload-key", key).
				Error("Failed to fetch payload")
		}
		return nil, err
	}
	return entry.Value, nil
}
