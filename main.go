package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"github.com/vigilcam/vigil/bin"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/vault"
)

type cliArgs struct {
	JSONLog       bool
	LogLevel      string `validate:"required,oneof=debug info warn error"`
	Hostname      string
	ConfigFile    string `validate:"required,file"`
	DBPassword    string
	EncryptionKey string
}

var s3CredsArgs common.S3Credentials

var cmdArgs cliArgs

var logTags log.Fields

// @title vigil
// @version v0.1.0
// @description Surveillance recording engine

// @host localhost:8080
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Surveillance recording engine with retention and legal hold support",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run recorder node",
				Description: "Start the recorder node with its recording API and metrics servers.",
				Flags: []cli.Flag{
					// Config file
					&cli.StringFlag{
						Name:        "config-file",
						Usage:       "Application config file",
						Aliases:     []string{"c"},
						EnvVars:     []string{"CONFIG_FILE"},
						Destination: &cmdArgs.ConfigFile,
						Required:    true,
					},
					// Secrets
					&cli.StringFlag{
						Name:        "db-password",
						Usage:       "Database user password",
						Aliases:     []string{"p"},
						EnvVars:     []string{"DB_USER_PASSWORD"},
						Value:       "",
						DefaultText: "",
						Destination: &cmdArgs.DBPassword,
						Required:    false,
					},
					&cli.StringFlag{
						Name:        "encryption-key",
						Usage:       "Base64 encoded AES-256 artifact encryption key. Unset disables encryption.",
						EnvVars:     []string{"RECORDING_ENCRYPTION_KEY"},
						Value:       "",
						DefaultText: "",
						Destination: &cmdArgs.EncryptionKey,
						Required:    false,
					},
					// S3 Creds
					&cli.StringFlag{
						Name:        "s3-access-key",
						Usage:       "S3 user access key for the compliance archive",
						EnvVars:     []string{"AWS_ACCESS_KEY_ID"},
						Value:       "",
						DefaultText: "",
						Destination: &s3CredsArgs.AccessKey,
						Required:    false,
					},
					&cli.StringFlag{
						Name:        "s3-secret-access-key",
						Usage:       "S3 user secret access key for the compliance archive",
						EnvVars:     []string{"AWS_SECRET_ACCESS_KEY"},
						Value:       "",
						DefaultText: "",
						Destination: &s3CredsArgs.SecretAccessKey,
						Required:    false,
					},
				},
				Action: startRecorderNode,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

func startRecorderNode(c *cli.Context) error {
	validate := validator.New()

	// Validate general config
	if err := validate.Struct(&cmdArgs); err != nil {
		return err
	}

	setupLogging()

	// ================================================================================
	// Process recorder node config

	common.InstallDefaultRecorderConfigValues()
	var configs common.RecorderConfig
	viper.SetConfigFile(cmdArgs.ConfigFile)
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to load recorder node config")
		return err
	}
	if err := viper.Unmarshal(&configs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse recorder node config")
		return err
	}

	// Inject the S3 creds if the archive is in use
	if configs.Archive.Enabled {
		configs.Archive.S3.Creds = &s3CredsArgs
	}

	// Validate recorder node config
	if err := validate.Struct(&configs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Recorder node config file is not valid")
		return err
	}

	{
		t, _ := json.MarshalIndent(&configs, "", "  ")
		log.WithFields(logTags).Debugf("Running with config:\n%s", string(t))
	}

	// Parse the artifact encryption key
	var encryptionKey []byte
	if cmdArgs.EncryptionKey != "" {
		parsed, err := vault.ParseKey(cmdArgs.EncryptionKey)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Provided encryption key is not usable")
			return err
		}
		encryptionKey = parsed
	}

	// ================================================================================
	// Define recorder node

	runtimeCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	theNode, err := bin.DefineRecorderNode(runtimeCtxt, configs, encryptionKey, cmdArgs.DBPassword)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define and start recorder node")
		return err
	}
	defer func() {
		if err := theNode.Cleanup(runtimeCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during recorder node clean up")
		}
	}()

	// ================================================================================
	// Start HTTP servers

	wg := sync.WaitGroup{}
	defer wg.Wait()
	apiServers := map[string]*http.Server{}

	defer func() {
		// Shutdown the servers
		for svrInstance, svr := range apiServers {
			ctx, cancel := context.WithTimeout(runtimeCtxt, time.Second*10)
			if err := svr.Shutdown(ctx); err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					Errorf("Failure during HTTP Server %s shutdown", svrInstance)
			}
			cancel()
		}
	}()

	// Start recording API HTTP server
	if configs.APIServer.Enabled {
		svr := theNode.APIServer
		apiServers["recording-api"] = svr
		// Start the server
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Recording API HTTP server failure")
			}
		}()
	}

	// Start metrics HTTP server
	{
		svr := theNode.MetricsServer
		apiServers["metrics-api"] = svr
		// Start the server
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics API HTTP server failure")
			}
		}()
	}

	// ------------------------------------------------------------------------------------
	// Wait for termination

	cc := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C) or SIGTERM.
	// SIGKILL or SIGQUIT will not be caught.
	signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
	<-cc

	return nil
}
