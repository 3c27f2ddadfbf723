package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveClient object store client for the compliance archive. Recordings
// governed by a compliance policy are copied here before their local
// artifact is hard deleted.
type ArchiveClient interface {
	/*
		Ready verify the archive bucket is reachable

			@param ctxt context.Context - execution context
	*/
	Ready(ctxt context.Context) error

	/*
		ArchiveArtifact upload a recording artifact from disk

			@param ctxt context.Context - execution context
			@param tenantID string - owning tenant
			@param recordingID string - recording ID
			@param artifactPath string - local artifact path
			@returns the archive object key
	*/
	ArchiveArtifact(ctxt context.Context, tenantID, recordingID, artifactPath string) (string, error)

	/*
		DeleteArchivedArtifact remove an archived artifact

			@param ctxt context.Context - execution context
			@param objectKey string - key returned by ArchiveArtifact
	*/
	DeleteArchivedArtifact(ctxt context.Context, objectKey string) error
}

// s3ArchiveClientImpl implements ArchiveClient
type s3ArchiveClientImpl struct {
	goutils.Component
	s3           *minio.Client
	bucket       string
	objectPrefix string
}

/*
NewS3ArchiveClient define new S3 compliance archive client

	@param serverEndpoint string - S3 server endpoint
	@param bucket string - archive bucket name
	@param objectPrefix string - prefix prepended to archive object keys
	@param accessKey string - S3 access key
	@param secretKey string - S3 secret key
	@param withTLS bool - whether to use TLS
	@returns new client
*/
func NewS3ArchiveClient(
	serverEndpoint, bucket, objectPrefix, accessKey, secretKey string, withTLS bool,
) (ArchiveClient, error) {
	logTags := log.Fields{
		"module":    "utils",
		"component": "s3-archive-client",
		"instance":  serverEndpoint,
		"bucket":    bucket,
	}

	// Define the core minio client
	client, err := minio.New(serverEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: withTLS,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define minio S3 client")
		return nil, err
	}

	return &s3ArchiveClientImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		}, s3: client, bucket: bucket, objectPrefix: objectPrefix,
	}, nil
}

func (s *s3ArchiveClientImpl) Ready(ctxt context.Context) error {
	logTags := s.GetLogTagsForContext(ctxt)

	exists, err := s.s3.BucketExists(ctxt, s.bucket)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Archive bucket check failed")
		return err
	}
	if !exists {
		return fmt.Errorf("archive bucket '%s' does not exist", s.bucket)
	}
	return nil
}

func (s *s3ArchiveClientImpl) ArchiveArtifact(
	ctxt context.Context, tenantID, recordingID, artifactPath string,
) (string, error) {
	logTags := s.GetLogTagsForContext(ctxt)

	handle, err := os.Open(artifactPath)
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("artifact", artifactPath).
			Error("Unable to open artifact for archival")
		return "", err
	}
	defer func() { _ = handle.Close() }()

	stat, err := handle.Stat()
	if err != nil {
		return "", err
	}

	objectKey := fmt.Sprintf("%s/%s/%s", tenantID, recordingID, filepath.Base(artifactPath))
	if s.objectPrefix != "" {
		objectKey = fmt.Sprintf("%s/%s", s.objectPrefix, objectKey)
	}
	_, err = s.s3.PutObject(
		ctxt,
		s.bucket,
		objectKey,
		handle,
		stat.Size(),
		minio.PutObjectOptions{SendContentMd5: true},
	)
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("object-key", objectKey).
			Error("Artifact archival failed")
		return "", err
	}

	log.
		WithFields(logTags).
		WithField("object-key", objectKey).
		WithField("size", stat.Size()).
		Info("Archived artifact")

	return objectKey, nil
}

func (s *s3ArchiveClientImpl) DeleteArchivedArtifact(
	ctxt context.Context, objectKey string,
) error {
	return s.s3.RemoveObject(ctxt, s.bucket, objectKey, minio.RemoveObjectOptions{})
}
