package bin

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
	"github.com/vigilcam/vigil/api"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/derive"
	"github.com/vigilcam/vigil/ingest"
	"github.com/vigilcam/vigil/playback"
	"github.com/vigilcam/vigil/retention"
	"github.com/vigilcam/vigil/rtsp"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"github.com/vigilcam/vigil/vault"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RecorderNode one complete recorder node
type RecorderNode struct {
	nodeRuntimeCtxt context.Context
	ctxtCancel      context.CancelFunc
	psClient        goutils.PubSubClient
	writer          ingest.Writer
	supervisor      rtsp.Supervisor
	scheduler       retention.Scheduler
	APIServer       *http.Server
	MetricsServer   *http.Server
}

/*
Cleanup stop and clean up the recorder node

	@param ctxt context.Context - execution context
*/
func (n RecorderNode) Cleanup(ctxt context.Context) error {
	if err := n.scheduler.Stop(ctxt); err != nil {
		return err
	}
	if err := n.supervisor.Stop(ctxt); err != nil {
		return err
	}
	if err := n.writer.Stop(ctxt); err != nil {
		return err
	}
	n.ctxtCancel()
	if n.psClient != nil {
		return n.psClient.Close(ctxt)
	}
	return nil
}

// buildPubSubBroadcaster assemble the PubSub event sink
func buildPubSubBroadcaster(
	ctxt context.Context, config common.PubSubEventConfig,
) (goutils.PubSubClient, utils.Broadcaster, error) {
	rawPSClient, err := goutils.CreateBasicGCPPubSubClient(ctxt, config.GCPProject)
	if err != nil {
		log.WithError(err).Error("Failed to create core PubSub client")
		return nil, nil, err
	}

	psClient, err := goutils.GetNewPubSubClientInstance(rawPSClient, log.Fields{
		"module": "go-utils", "component": "pubsub-client", "project": config.GCPProject,
	}, nil)
	if err != nil {
		log.WithError(err).Error("Failed to create PubSub client")
		return nil, nil, err
	}

	// Sync PubSub client with currently existing topics
	if err := psClient.UpdateLocalTopicCache(ctxt); err != nil {
		log.WithError(err).Error("Errored when syncing existing topics in GCP project")
		return nil, nil, err
	}

	broadcaster, err := utils.NewPubSubBroadcaster(psClient, config.Topic)
	if err != nil {
		return nil, nil, err
	}
	return psClient, broadcaster, nil
}

// buildWebhookBroadcaster assemble the webhook event sink
func buildWebhookBroadcaster(config common.WebhookEventConfig) (utils.Broadcaster, error) {
	targetURL, err := url.Parse(config.TargetURL)
	if err != nil {
		log.WithError(err).Error("Webhook target URL is invalid")
		return nil, err
	}

	httpClient := resty.New().
		SetRetryCount(config.Retry.MaxAttempts).
		SetRetryWaitTime(config.Retry.InitWaitTime()).
		SetRetryMaxWaitTime(config.Retry.MaxWaitTime())

	return utils.NewWebhookBroadcaster(targetURL, httpClient)
}

/*
DefineRecorderNode setup new recorder node

	@param parentCtxt context.Context - parent execution context
	@param config common.RecorderConfig - recorder node configuration
	@param encryptionKey []byte - artifact AES-256 key, nil to run with
	    encryption disabled
	@param psqlPassword string - Postgres SQL user password, when Postgres
	    backs the metadata store
	@returns new recorder node
*/
func DefineRecorderNode(
	parentCtxt context.Context,
	config common.RecorderConfig,
	encryptionKey []byte,
	psqlPassword string,
) (RecorderNode, error) {
	/*
		Steps for preparing the recorder node are

		* Prepare the metadata store
		* Prepare artifact storage and the encryption vault
		* Prepare the event broadcaster
		* Prepare the ingest writer, deriver, and playback streamer
		* Prepare the RTSP ingest supervisor
		* Prepare the retention scheduler
		* Prepare the API and metrics HTTP servers
	*/

	logTags := log.Fields{"module": "global", "component": "recorder-node"}

	theNode := RecorderNode{}
	theNode.nodeRuntimeCtxt, theNode.ctxtCancel = context.WithCancel(parentCtxt)

	// Define the metadata store
	var sqlDSN gorm.Dialector
	if config.Database.Driver == "postgres" {
		sqlDSN = db.GetPostgresDialector(*config.Database.Postgres, psqlPassword)
	} else {
		sqlDSN = db.GetSqliteDialector(config.Database.Sqlite.DBFile)
	}
	dbClient, err := db.NewManager(sqlDSN, logger.Error)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define persistence manager")
		return theNode, err
	}

	// Define artifact storage
	diskMonitor := utils.NewDiskMonitor(
		config.Storage.RecordingRoot, float64(config.Storage.DiskFreeWatermarkPct),
	)
	layout, err := storage.NewLayout(config.Storage, diskMonitor)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define storage layout")
		return theNode, err
	}

	// Define the encryption vault. A nil key leaves encryption disabled.
	artifactVault, err := vault.NewVault(encryptionKey)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define encryption vault")
		return theNode, err
	}
	if encryptionKey == nil {
		log.WithFields(logTags).Warn("No encryption key loaded. Artifacts stay plaintext.")
	}

	// Define the event broadcaster
	var sinks []utils.Broadcaster
	if config.Events.PubSub != nil {
		psClient, sink, err := buildPubSubBroadcaster(theNode.nodeRuntimeCtxt, *config.Events.PubSub)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to define PubSub broadcaster")
			return theNode, err
		}
		theNode.psClient = psClient
		sinks = append(sinks, sink)
	}
	if config.Events.Webhook != nil {
		sink, err := buildWebhookBroadcaster(*config.Events.Webhook)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to define webhook broadcaster")
			return theNode, err
		}
		sinks = append(sinks, sink)
	}
	var broadcaster utils.Broadcaster
	switch len(sinks) {
	case 0:
		broadcaster, err = utils.NewLogBroadcaster()
	case 1:
		broadcaster = sinks[0]
	default:
		broadcaster, err = utils.NewFanoutBroadcaster(sinks)
	}
	if err != nil {
		return theNode, err
	}

	// Define the artifact deriver
	deriver, err := derive.NewDeriver(layout, artifactVault, config.Transcoder)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define artifact deriver")
		return theNode, err
	}

	// Define the ingest writer
	theNode.writer, err = ingest.NewWriter(
		theNode.nodeRuntimeCtxt, layout, artifactVault, dbClient, deriver, config.Ingest,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define ingest writer")
		return theNode, err
	}

	// Define the playback chunk cache
	var chunkCache utils.PayloadCache
	if config.ChunkCache.Mode == "memcached" {
		chunkCache, err = utils.NewMemcachedPayloadCache(config.ChunkCache.Memcached.Servers)
	} else {
		chunkCache, err = utils.NewLocalPayloadCache(
			theNode.nodeRuntimeCtxt, config.ChunkCache.RetentionCheckInt(),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define playback chunk cache")
		return theNode, err
	}

	// Define the playback streamer
	streamer, err := playback.NewStreamer(
		layout, artifactVault, chunkCache, config.ChunkCache.TTL(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define playback streamer")
		return theNode, err
	}

	// Define the RTSP ingest supervisor
	theNode.supervisor, err = rtsp.NewSupervisor(
		theNode.nodeRuntimeCtxt,
		dbClient,
		layout,
		diskMonitor,
		broadcaster,
		config.Transcoder,
		config.Supervisor,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define ingest supervisor")
		return theNode, err
	}
	if err := theNode.supervisor.Start(theNode.nodeRuntimeCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start ingest supervisor")
		return theNode, err
	}

	// Define the compliance archive client
	var archive utils.ArchiveClient
	if config.Archive.Enabled {
		accessKey := ""
		secretKey := ""
		if config.Archive.S3.Creds != nil {
			accessKey = config.Archive.S3.Creds.AccessKey
			secretKey = config.Archive.S3.Creds.SecretAccessKey
		}
		archive, err = utils.NewS3ArchiveClient(
			config.Archive.S3.ServerEndpoint,
			config.Archive.StorageBucket,
			config.Archive.StorageObjectPrefix,
			accessKey,
			secretKey,
			config.Archive.S3.UseTLS,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to define archive client")
			return theNode, err
		}
		readyCtxt, cancel := context.WithTimeout(theNode.nodeRuntimeCtxt, time.Second*15)
		defer cancel()
		if err := archive.Ready(readyCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Compliance archive is not reachable")
			return theNode, err
		}
	}

	// Define the retention scheduler
	theNode.scheduler, err = retention.NewScheduler(
		theNode.nodeRuntimeCtxt, dbClient, layout, archive, broadcaster, config.Retention,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define retention scheduler")
		return theNode, err
	}
	if err := theNode.scheduler.Start(theNode.nodeRuntimeCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start retention scheduler")
		return theNode, err
	}

	// Define the API server
	theNode.APIServer, err = api.BuildRecorderAPIServer(
		config.APIServer,
		dbClient,
		theNode.writer,
		streamer,
		deriver,
		layout,
		theNode.supervisor,
		theNode.scheduler,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define recorder API server")
		return theNode, err
	}

	// Define the metrics server
	theNode.MetricsServer, err = api.BuildMetricsServer(config.Metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define metrics server")
		return theNode, err
	}

	return theNode, nil
}
