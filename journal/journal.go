// Package journal persists finished arbitrage attempts as parquet files on
// S3, partitioned by date. With the journal disabled attempts are only
// logged; nothing survives a restart either way.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
)

// AttemptRecord is one parquet row: one executed leg of an attempt, with
// the attempt's own fields repeated on every row. Aborted attempts with no
// legs produce a single row with LegIndex -1.
type AttemptRecord struct {
	AttemptID   string  `parquet:"name=attempt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Triangle    string  `parquet:"name=triangle, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction   string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Capital     float64 `parquet:"name=capital, type=DOUBLE"`
	Expected    float64 `parquet:"name=expected, type=DOUBLE"`
	FinalQuote  float64 `parquet:"name=final_quote, type=DOUBLE"`
	ProfitRatio float64 `parquet:"name=profit_ratio, type=DOUBLE"`
	StartedAt   int64   `parquet:"name=started_at, type=INT64"`
	FinishedAt  int64   `parquet:"name=finished_at, type=INT64"`
	LegIndex    int32   `parquet:"name=leg_index, type=INT32"`
	LegSymbol   string  `parquet:"name=leg_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegSide     string  `parquet:"name=leg_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegPrice    float64 `parquet:"name=leg_price, type=DOUBLE"`
	LegQuantity float64 `parquet:"name=leg_quantity, type=DOUBLE"`
	LegCash     float64 `parquet:"name=leg_cash, type=DOUBLE"`
	LegFees     float64 `parquet:"name=leg_fees, type=DOUBLE"`
}

// memoryFile implements source.ParquetFile over a byte buffer so files can
// be built fully in memory before the S3 put.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	// append-only writes, seek is never needed
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// Journal buffers finished attempts and flushes them to S3 on an interval,
// on buffer pressure and on shutdown.
type Journal struct {
	config   *appconfig.Config
	s3Client *s3.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffer  []*models.Attempt
	log     *logger.Log
}

// NewJournal builds the journal. With journaling disabled no AWS client is
// created and Record degrades to logging.
func NewJournal(cfg *appconfig.Config) (*Journal, error) {
	j := &Journal{
		config: cfg,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
	if !cfg.Journal.Enabled {
		j.log.WithComponent("journal").Info("journal disabled, attempts will only be logged")
		return j, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Journal.Region),
	}
	if cfg.Journal.AccessKeyID != "" && cfg.Journal.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Journal.AccessKeyID,
				cfg.Journal.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	j.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Journal.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Journal.Endpoint)
		}
		o.UsePathStyle = cfg.Journal.PathStyle
	})

	j.log.WithComponent("journal").WithFields(logger.Fields{
		"bucket":     cfg.Journal.Bucket,
		"region":     cfg.Journal.Region,
		"path_style": cfg.Journal.PathStyle,
	}).Info("journal initialized")
	return j, nil
}

func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	j.ctx, j.cancel = context.WithCancel(ctx)
	j.running = true

	if j.config.Journal.Enabled {
		j.wg.Add(1)
		go j.flushWorker()
	}
	return nil
}

func (j *Journal) Stop() error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	j.cancel()
	j.wg.Wait()
	j.log.WithComponent("journal").Info("journal stopped")
	return nil
}

// Record accepts one finished attempt. It never blocks the executor: the
// attempt is appended to the buffer and written out asynchronously.
func (j *Journal) Record(attempt *models.Attempt) {
	j.log.WithComponent("journal").WithFields(logger.Fields{
		"attempt":      attempt.ID,
		"triangle":     attempt.Triangle,
		"status":       attempt.Status,
		"profit_ratio": attempt.ProfitRatio,
	}).Info("recording attempt")

	if !j.config.Journal.Enabled {
		return
	}

	j.mu.Lock()
	j.buffer = append(j.buffer, attempt)
	full := len(j.buffer) >= j.config.Journal.MaxBuffer
	j.mu.Unlock()

	if full {
		go j.flush("buffer full")
	}
}

func (j *Journal) flushWorker() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Journal.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			j.flush("shutdown")
			return
		case <-ticker.C:
			j.flush("interval")
		}
	}
}

func (j *Journal) flush(reason string) {
	j.mu.Lock()
	attempts := j.buffer
	j.buffer = nil
	j.mu.Unlock()

	if len(attempts) == 0 {
		return
	}

	log := j.log.WithComponent("journal").WithFields(logger.Fields{
		"attempts": len(attempts),
		"reason":   reason,
	})
	log.Info("flushing attempts")

	data, records, err := buildParquet(attempts)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	key := j.objectKey(time.Now().UTC())
	if err := j.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": j.config.Journal.Bucket,
			"key":    key,
		}).Error("failed to upload journal batch")
		return
	}

	logger.IncrementJournalWrite()
	log.WithFields(logger.Fields{
		"key":       key,
		"records":   records,
		"file_size": len(data),
	}).Info("journal batch uploaded")
}

func (j *Journal) objectKey(ts time.Time) string {
	return fmt.Sprintf("%sdate=%s/attempts_%s_%s.parquet",
		j.config.Journal.Prefix,
		ts.Format("2006-01-02"),
		ts.Format("20060102150405"),
		uuid.New().String())
}

// buildParquet flattens attempts into per-leg rows and renders them as a
// snappy-compressed parquet file in memory.
func buildParquet(attempts []*models.Attempt) ([]byte, int, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(AttemptRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	records := 0
	for _, a := range attempts {
		for _, rec := range flatten(a) {
			if err := pw.Write(rec); err != nil {
				pw.WriteStop()
				return nil, 0, fmt.Errorf("write parquet record: %w", err)
			}
			records++
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), records, nil
}

func flatten(a *models.Attempt) []AttemptRecord {
	base := AttemptRecord{
		AttemptID:   a.ID,
		Triangle:    a.Triangle,
		Direction:   string(a.Direction),
		Status:      string(a.Status),
		Reason:      a.Reason,
		Capital:     a.Capital,
		Expected:    a.Expected,
		FinalQuote:  a.FinalQuote,
		ProfitRatio: a.ProfitRatio,
		StartedAt:   a.StartedAt.UnixMilli(),
		FinishedAt:  a.FinishedAt.UnixMilli(),
		LegIndex:    -1,
	}
	if len(a.Legs) == 0 {
		return []AttemptRecord{base}
	}

	records := make([]AttemptRecord, 0, len(a.Legs))
	for i, leg := range a.Legs {
		rec := base
		rec.LegIndex = int32(i)
		rec.LegSymbol = leg.Symbol
		rec.LegSide = string(leg.Side)
		rec.LegPrice = leg.Price
		rec.LegQuantity = leg.Quantity
		rec.LegCash = leg.Cash
		rec.LegFees = leg.Fees
		records = append(records, rec)
	}
	return records
}

func (j *Journal) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(j.config.Journal.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"arbiflow-version": j.config.Arbiflow.Version,
		},
	}

	ctx := context.WithoutCancel(j.ctx)
	_, err := j.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put object to bucket %s: %w", j.config.Journal.Bucket, err)
	}
	return nil
}
