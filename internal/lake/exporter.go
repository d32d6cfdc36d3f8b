package lake

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "candleflow/config"
	"candleflow/internal/models"
	"candleflow/logger"
)

// ParquetRecord is the on-disk schema of one exported candle.
type ParquetRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; the parquet writer never seeks backwards here.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Exporter writes each completed daily window as a parquet file to the S3
// data lake, partitioned Hive-style by exchange, symbol, timeframe and date.
// Export failures are logged and counted but never fail an ingestion run; the
// database remains the source of truth.
type Exporter struct {
	s3Client    *s3.Client
	bucket      string
	prefix      string
	compression string
	version     string
	log         *logger.Log

	filesWritten int64
	rowsWritten  int64
	errorsCount  int64
}

// NewExporter configures the AWS SDK and S3 client for lake uploads.
func NewExporter(ctx context.Context, cfg *appconfig.Config, log *logger.Log) (*Exporter, error) {
	s3cfg := cfg.Storage.S3

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	log.WithComponent("lake").WithFields(logger.Fields{
		"bucket":      s3cfg.Bucket,
		"region":      s3cfg.Region,
		"prefix":      cfg.Lake.Prefix,
		"compression": cfg.Lake.Compression,
	}).Info("lake exporter initialized")

	return &Exporter{
		s3Client:    client,
		bucket:      s3cfg.Bucket,
		prefix:      cfg.Lake.Prefix,
		compression: cfg.Lake.Compression,
		version:     cfg.Candleflow.Version,
		log:         log,
	}, nil
}

// ExportDay serializes one day of candles to parquet and uploads it.
func (e *Exporter) ExportDay(ctx context.Context, symbol string, tf models.Timeframe, date time.Time, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	key := e.objectKey(symbol, tf, date)
	log := e.log.WithComponent("lake").WithFields(logger.Fields{
		"symbol":       symbol,
		"timeframe":    string(tf),
		"date":         models.FormatDate(date),
		"s3_key":       key,
		"record_count": len(candles),
	})

	data, err := e.createParquetFile(candles)
	if err != nil {
		atomic.AddInt64(&e.errorsCount, 1)
		log.WithError(err).Error("failed to create parquet file")
		return fmt.Errorf("creating parquet file: %w", err)
	}

	_, err = e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        e.compression,
			"candleflow-version": e.version,
		},
	})
	if err != nil {
		atomic.AddInt64(&e.errorsCount, 1)
		log.WithError(err).Error("failed to upload parquet file")
		return fmt.Errorf("uploading to bucket %s: %w", e.bucket, err)
	}

	atomic.AddInt64(&e.filesWritten, 1)
	atomic.AddInt64(&e.rowsWritten, int64(len(candles)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("daily window exported to lake")
	return nil
}

func (e *Exporter) objectKey(symbol string, tf models.Timeframe, date time.Time) string {
	filename := fmt.Sprintf("%s_klines_%s_%s.parquet",
		symbol, models.FormatDate(date), uuid.New().String()[:8])
	return path.Join(e.prefix,
		fmt.Sprintf("exchange=%s", models.Exchange),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("tf=%s", tf),
		fmt.Sprintf("date=%s", models.FormatDate(date)),
		filename)
}

func (e *Exporter) createParquetFile(candles []models.Candle) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch e.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, c := range candles {
		record := ParquetRecord{
			Exchange:  c.Exchange,
			Symbol:    c.Symbol,
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

// Stats returns cumulative export counters.
func (e *Exporter) Stats() (files, rows, errors int64) {
	return atomic.LoadInt64(&e.filesWritten), atomic.LoadInt64(&e.rowsWritten), atomic.LoadInt64(&e.errorsCount)
}
