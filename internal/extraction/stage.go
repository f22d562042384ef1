package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/smallbiznis/autocompta/internal/config"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	MimePDF   = "application/pdf"
	MimeJPEG  = "image/jpeg"
	MimePNG   = "image/png"
	MimeTIFF  = "image/tiff"
	MimeWEBP  = "image/webp"
	MimePlain = "text/plain"
)

// Result is one extraction generation, ready to be persisted with the
// document's move to ANALYZED.
type Result struct {
	OCR      *domain.OCRResult
	Columns  map[string]any
	Attempts int
}

type Stage struct {
	engines    map[string]Engine
	automation *config.AutomationConfigHolder
	genID      *snowflake.Node
	log        *zap.Logger
	pdfConf    *model.Configuration
	retryDelay time.Duration
}

func NewStage(automation *config.AutomationConfigHolder, genID *snowflake.Node, log *zap.Logger) *Stage {
	if automation == nil {
		automation = config.NewStaticAutomationConfigHolder(config.DefaultAutomationConfig())
	}
	model.ConfigPath = "disable"
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Stage{
		engines:    map[string]Engine{},
		automation: automation,
		genID:      genID,
		log:        log.Named("extraction.stage"),
		pdfConf:    conf,
		retryDelay: 200 * time.Millisecond,
	}
}

// Register routes a MIME type to an engine.
func (s *Stage) Register(mimeType string, engine Engine) {
	s.engines[strings.ToLower(mimeType)] = engine
}

// Run extracts doc's blob. Unsupported and corrupt input fail at once;
// timeouts and engine failures are retried up to the tenant's attempt limit.
func (s *Stage) Run(ctx context.Context, doc *domain.Document, blob []byte) (*Result, error) {
	mimeType := strings.ToLower(doc.MimeType)
	engine, ok := s.engines[mimeType]
	if !ok {
		return nil, newError(KindUnsupportedFormat, fmt.Errorf("no engine for %q", doc.MimeType))
	}
	if len(blob) == 0 {
		return nil, newError(KindCorruptFile, errors.New("empty blob"))
	}

	pageCount, err := s.inspect(mimeType, blob)
	if err != nil {
		return nil, err
	}

	thresholds := s.automation.Get().For(doc.TenantID)
	maxAttempts := s.MaxAttempts(doc.TenantID)

	var (
		extraction *Extraction
		lastErr    *ExtractionError
		attempts   int
	)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		extraction, err = s.attempt(ctx, engine, blob, mimeType, thresholds.ExtractionTimeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		extErr, ok := AsExtractionError(err)
		if !ok {
			extErr = newError(KindEngineFailure, err)
		}
		extErr.Attempts = attempts
		lastErr = extErr
		if !extErr.Retryable() {
			return nil, extErr
		}
		s.log.Warn("extraction attempt failed",
			zap.String("document_id", doc.ID.String()),
			zap.String("engine", engine.Name()),
			zap.Int("attempt", attempts),
			zap.String("kind", string(extErr.Kind)),
			zap.Error(extErr.Err),
		)
		if attempts < maxAttempts && !sleep(ctx, s.retryDelay*time.Duration(attempts)) {
			return nil, ctx.Err()
		}
	}
	if extraction == nil {
		return nil, lastErr
	}
	if pageCount > extraction.PageCount {
		extraction.PageCount = pageCount
	}

	confidence := extraction.Confidence
	if confidence == 0 && len(extraction.Fields) > 0 {
		confidence = meanConfidence(extraction.Fields)
	}
	metadata := datatypes.JSONMap{"attempts": attempts}
	for k, v := range extraction.Metadata {
		metadata[k] = v
	}

	ocr := &domain.OCRResult{
		ID:         s.genID.Generate(),
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		RawText:    extraction.RawText,
		Fields:     datatypes.JSONSlice[domain.ExtractedField](extraction.Fields),
		Confidence: clamp01(confidence),
		PageCount:  max(extraction.PageCount, 1),
		Engine:     engine.Name(),
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	return &Result{OCR: ocr, Columns: Apply(doc, extraction.Fields), Attempts: attempts}, nil
}

// MaxAttempts is the number of extraction runs a tenant's document gets
// before it is parked in ERROR.
func (s *Stage) MaxAttempts(tenantID int64) int {
	if n := s.automation.Get().For(tenantID).ExtractionMaxAttempts; n > 0 {
		return n
	}
	return 1
}

func (s *Stage) attempt(ctx context.Context, engine Engine, blob []byte, mimeType string, timeout time.Duration) (*Extraction, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := engine.Extract(callCtx, blob, mimeType)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, newError(KindTimeout, err)
		}
		return nil, err
	}
	if out == nil {
		return nil, newError(KindEngineFailure, errors.New("engine returned no extraction"))
	}
	return out, nil
}

// inspect checks that the blob is what its MIME type claims and returns the page count.
func (s *Stage) inspect(mimeType string, blob []byte) (int, error) {
	switch {
	case mimeType == MimePDF:
		if err := api.Validate(bytes.NewReader(blob), s.pdfConf); err != nil {
			return 0, newError(KindCorruptFile, err)
		}
		pages, err := api.PageCount(bytes.NewReader(blob), s.pdfConf)
		if err != nil {
			return 0, newError(KindCorruptFile, err)
		}
		if pages == 0 {
			return 0, newError(KindCorruptFile, errors.New("pdf has no pages"))
		}
		return pages, nil
	case strings.HasPrefix(mimeType, "image/"):
		detected := http.DetectContentType(blob)
		if mimeType != MimeTIFF && detected != mimeType {
			return 0, newError(KindCorruptFile, fmt.Errorf("content looks like %s", detected))
		}
		return 1, nil
	default:
		return 1, nil
	}
}

func meanConfidence(fields []domain.ExtractedField) float64 {
	var sum float64
	for _, f := range fields {
		sum += clamp01(f.Confidence)
	}
	return sum / float64(len(fields))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
