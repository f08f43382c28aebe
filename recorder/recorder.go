package recorder

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "betstream/config"
	"betstream/internal/book"
	"betstream/logger"
	"betstream/models"
)

// ladderRow is one price level of one selection at one point in time, the
// unit stored in the parquet archive.
type ladderRow struct {
	MarketID    string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SelectionID int64   `parquet:"name=selection_id, type=INT64"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level       int32   `parquet:"name=level, type=INT32"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	Size        float64 `parquet:"name=size, type=DOUBLE"`
	Timestamp   int64   `parquet:"name=timestamp, type=INT64"`
}

// Recorder archives periodic ladder snapshots of the markets that changed
// since the last flush. Each flush produces one parquet object per market,
// uploaded to S3 under a market/date partitioned key.
type Recorder struct {
	config   *appconfig.Config
	books    *book.Books
	s3Client *s3.Client
	log      *logger.Log

	mu      sync.Mutex
	running bool
	dirty   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder builds the S3 client from the recorder configuration. Static
// credentials take precedence; otherwise the default chain applies.
func NewRecorder(cfg *appconfig.Config, books *book.Books) (*Recorder, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Recorder.S3.Region),
	}
	if cfg.Recorder.S3.AccessKeyID != "" && cfg.Recorder.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Recorder.S3.AccessKeyID,
				cfg.Recorder.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Recorder.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Recorder.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Recorder.S3.PathStyle
	})

	log.WithComponent("recorder").WithFields(logger.Fields{
		"bucket":     cfg.Recorder.S3.Bucket,
		"region":     cfg.Recorder.S3.Region,
		"path_style": cfg.Recorder.S3.PathStyle,
	}).Info("recorder initialized")

	return &Recorder{
		config:   cfg,
		books:    books,
		s3Client: client,
		log:      log,
		dirty:    make(map[string]struct{}),
	}, nil
}

// Record marks a market as changed so the next flush archives it. Safe to
// call from the stream dispatch callback; it never blocks.
func (r *Recorder) Record(marketID string) {
	r.mu.Lock()
	r.dirty[marketID] = struct{}{}
	r.mu.Unlock()
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flush_interval": r.config.Recorder.FlushInterval.String(),
	}).Info("starting recorder")

	r.wg.Add(1)
	go r.flushWorker()
	return nil
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("recorder").Info("stopping recorder")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	ticker := time.NewTicker(r.config.Recorder.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flush("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			r.flush("interval")
		}
	}
}

func (r *Recorder) flush(reason string) {
	r.mu.Lock()
	dirty := r.dirty
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()

	if len(dirty) == 0 {
		return
	}

	markets := make([]string, 0, len(dirty))
	for id := range dirty {
		markets = append(markets, id)
	}
	sort.Strings(markets)

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"markets": len(markets),
		"reason":  reason,
	}).Info("flushing ladder snapshots")

	now := time.Now().UTC()
	for _, marketID := range markets {
		r.archiveMarket(marketID, now)
	}
}

func (r *Recorder) archiveMarket(marketID string, ts time.Time) {
	batchID := uuid.New().String()
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_id": batchID,
		"market":   marketID,
	})

	rows := r.snapshotRows(marketID, ts)
	if len(rows) == 0 {
		log.Debug("market has no ladder state, skipping")
		return
	}

	data, err := encodeParquet(rows)
	if err != nil {
		log.WithError(err).Error("failed to encode parquet file")
		return
	}

	key := r.objectKey(marketID, ts, batchID)
	log = log.WithFields(logger.Fields{"s3_key": key, "rows": len(rows), "file_size": len(data)})

	ctx := context.WithoutCancel(r.ctx)
	_, err = r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.config.Recorder.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"betstream-version": r.config.Betstream.Version,
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to upload snapshot to S3")
		return
	}

	logger.IncrementArchiveWrite()
	log.Info("ladder snapshot archived")
}

// snapshotRows flattens every selection ladder of one market into rows.
func (r *Recorder) snapshotRows(marketID string, ts time.Time) []ladderRow {
	var rows []ladderRow
	for _, selectionID := range r.books.Selections(marketID) {
		bids, asks, ok := r.books.Snapshot(marketID, selectionID)
		if !ok {
			continue
		}
		rows = append(rows, flattenLevels(marketID, selectionID, models.SideBack, bids, ts)...)
		rows = append(rows, flattenLevels(marketID, selectionID, models.SideLay, asks, ts)...)
	}
	return rows
}

func flattenLevels(marketID string, selectionID int64, side string, levels []book.Level, ts time.Time) []ladderRow {
	rows := make([]ladderRow, 0, len(levels))
	for _, l := range levels {
		price, _ := l.Price.Float64()
		size, _ := l.Size.Float64()
		rows = append(rows, ladderRow{
			MarketID:    marketID,
			SelectionID: selectionID,
			Side:        side,
			Level:       int32(l.Level),
			Price:       price,
			Size:        size,
			Timestamp:   ts.UnixMilli(),
		})
	}
	return rows
}

func (r *Recorder) objectKey(marketID string, ts time.Time, batchID string) string {
	parts := []string{}
	if prefix := r.config.Recorder.S3.Prefix; prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("market=%s", marketID),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("ladder_%s_%s.parquet", ts.Format("20060102150405"), batchID),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func encodeParquet(rows []ladderRow) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(ladderRow), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
