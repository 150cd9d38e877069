package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/hupe1980/annbench"
	"github.com/hupe1980/annbench/artifact"
	miniostore "github.com/hupe1980/annbench/artifact/minio"
	s3store "github.com/hupe1980/annbench/artifact/s3"
	"github.com/hupe1980/annbench/catalog/dynamo"
	"github.com/hupe1980/annbench/datasets"
)

// Environment variables holding MinIO credentials.
const (
	envMinioAccessKey = "MINIO_ACCESS_KEY"
	envMinioSecretKey = "MINIO_SECRET_KEY"
)

// cliContext carries the values of the global flags.
type cliContext struct {
	runsDir      string
	logLevel     string
	logFormat    string
	dryRun       bool
	datasetsFile string

	sampleInterval time.Duration

	s3Bucket      string
	s3Prefix      string
	awsRegion     string
	minioEndpoint string
	minioBucket   string
	minioSecure   bool
	dynamoTable   string
}

func newCLIContext() *cliContext {
	return &cliContext{
		runsDir:        annbench.DefaultRunsDir,
		logLevel:       "info",
		logFormat:      "text",
		datasetsFile:   datasets.DefaultFile,
		sampleInterval: time.Second,
	}
}

func newRootCmd() *cobra.Command {
	cctx := newCLIContext()

	root := &cobra.Command{
		Use:   "annbench",
		Short: "benchmark approximate nearest neighbor indexes",
		Long: `
Runs configurable vector search benchmarks, expands parameter sweeps into
individual runs, and queries the catalog of past runs.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cctx.runsDir, "runs-dir", cctx.runsDir, "directory holding run directories and the catalog")
	pf.StringVar(&cctx.logLevel, "log-level", cctx.logLevel, "minimum log level (debug, info, warn, error)")
	pf.StringVar(&cctx.logFormat, "log-format", cctx.logFormat, "log output format (text, json)")
	pf.BoolVar(&cctx.dryRun, "dry-run", cctx.dryRun, "print the materialized runs without executing them")
	pf.StringVar(&cctx.datasetsFile, "datasets-file", cctx.datasetsFile, "dataset registry file")
	pf.DurationVar(&cctx.sampleInterval, "sample-interval", cctx.sampleInterval, "resource sampling interval")
	pf.StringVar(&cctx.s3Bucket, "s3-bucket", "", "publish run directories to this S3 bucket")
	pf.StringVar(&cctx.s3Prefix, "s3-prefix", "", "key prefix for published artifacts")
	pf.StringVar(&cctx.awsRegion, "aws-region", "", "override the AWS region")
	pf.StringVar(&cctx.minioEndpoint, "minio-endpoint", "", "publish run directories to this MinIO endpoint")
	pf.StringVar(&cctx.minioBucket, "minio-bucket", "", "MinIO bucket for published artifacts")
	pf.BoolVar(&cctx.minioSecure, "minio-secure", true, "use TLS for MinIO")
	pf.StringVar(&cctx.dynamoTable, "dynamo-table", "", "mirror catalog entries into this DynamoDB table")

	root.AddCommand(
		newRunCmd(cctx),
		newSweepCmd(cctx),
		newMultiSweepCmd(cctx),
		newReplayCmd(cctx),
		newListCmd(cctx),
		newBestCmd(cctx),
		newParetoCmd(cctx),
		newDatasetsCmd(cctx),
		newConvertCmd(cctx),
	)
	return root
}

// logger builds the logger selected by --log-level and --log-format.
func (c *cliContext) logger() (*annbench.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return nil, fmt.Errorf("%w: --log-level: %w", annbench.ErrConfig, err)
	}
	switch strings.ToLower(c.logFormat) {
	case "json":
		return annbench.NewJSONLogger(level), nil
	case "text", "":
		return annbench.NewTextLogger(level), nil
	default:
		return nil, fmt.Errorf("%w: --log-format %q: want text or json", annbench.ErrConfig, c.logFormat)
	}
}

// registry loads the dataset registry. A missing default registry is not an error.
func (c *cliContext) registry(cmd *cobra.Command) (*datasets.Registry, error) {
	reg, err := datasets.Load(c.datasetsFile)
	if err == nil {
		return reg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("datasets-file") {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %w", annbench.ErrConfig, err)
}

// harness wires a Harness from the global flags.
func (c *cliContext) harness(cmd *cobra.Command) (*annbench.Harness, error) {
	ctx := cmd.Context()

	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	reg, err := c.registry(cmd)
	if err != nil {
		return nil, err
	}

	opts := []annbench.Option{
		annbench.WithLogger(logger),
		annbench.WithRunsDir(c.runsDir),
		annbench.WithSampleInterval(c.sampleInterval),
	}
	if reg != nil {
		opts = append(opts, annbench.WithRegistry(reg))
	}

	store, err := c.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, annbench.WithArtifactStore(store, artifact.WithLogger(logger.Logger)))
	}

	if c.dynamoTable != "" {
		mirror, err := c.dynamoMirror(ctx, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, annbench.WithCatalogMirror(mirror))
	}

	return annbench.New(opts...), nil
}

func (c *cliContext) artifactStore(ctx context.Context) (artifact.Store, error) {
	switch {
	case c.s3Bucket != "" && c.minioEndpoint != "":
		return nil, fmt.Errorf("%w: --s3-bucket and --minio-endpoint are mutually exclusive", annbench.ErrConfig)
	case c.s3Bucket != "":
		store, err := s3store.New(ctx, c.s3Bucket, s3store.WithPrefix(c.s3Prefix), s3store.WithRegion(c.awsRegion))
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return store, nil
	case c.minioEndpoint != "":
		if c.minioBucket == "" {
			return nil, fmt.Errorf("%w: --minio-endpoint requires --minio-bucket", annbench.ErrConfig)
		}
		store, err := miniostore.Dial(ctx, c.minioEndpoint,
			os.Getenv(envMinioAccessKey), os.Getenv(envMinioSecretKey),
			c.minioBucket, c.s3Prefix, c.minioSecure)
		if err != nil {
			return nil, fmt.Errorf("minio store: %w", err)
		}
		return store, nil
	}
	return nil, nil
}

func (c *cliContext) dynamoMirror(ctx context.Context, logger *annbench.Logger) (*dynamo.Mirror, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.awsRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.awsRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo mirror: %w", err)
	}

	host, _ := os.Hostname()
	return dynamo.New(dynamodb.NewFromConfig(cfg), c.dynamoTable,
		dynamo.WithHost(host),
		dynamo.WithLogger(logger.Logger),
	), nil
}
