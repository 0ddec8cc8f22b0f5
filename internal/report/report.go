// Package report exports a tenant's sync state to an XLSX triage workbook.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flowsync/internal/database"
	"flowsync/internal/logging"
	"flowsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary     = "Summary"
	sheetHistory     = "History"
	sheetErrors      = "Errors"
	sheetRetries     = "Retry queue"
	sheetDeadLetters = "Dead letters"

	historyLimit    = 500
	deadLetterLimit = 1000
	timeLayout      = "2006-01-02 15:04:05"
)

// Source is the read side of the store used by the report.
type Source interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetCheckpoint(ctx context.Context, tenantID string) (*models.SyncCheckpoint, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]models.SyncResult, error)
	ListRetries(ctx context.Context, tenantID string) ([]models.RetryEntry, error)
}

// DeadLetterReader lists given-up retry entries across all tenants.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.RetryEntry, error)
}

type Exporter struct {
	source      Source
	deadLetters DeadLetterReader
	dir         string
	logger      *zerolog.Logger
	now         func() time.Time
}

// NewExporter writes workbooks into dir. deadLetters may be nil.
func NewExporter(source Source, deadLetters DeadLetterReader, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		source:      source,
		deadLetters: deadLetters,
		dir:         dir,
		logger:      logging.Component(logger, "report"),
		now:         time.Now,
	}
}

// Export builds the triage workbook of tenantID and returns its path.
func (e *Exporter) Export(ctx context.Context, tenantID string) (string, error) {
	tenant, err := e.source.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	checkpoint, err := e.source.GetCheckpoint(ctx, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		checkpoint = &models.SyncCheckpoint{TenantID: tenantID}
	} else if err != nil {
		return "", err
	}
	history, err := e.source.ListHistory(ctx, tenantID, historyLimit)
	if err != nil {
		return "", err
	}
	retries, err := e.source.ListRetries(ctx, tenantID)
	if err != nil {
		return "", err
	}
	var dead []models.RetryEntry
	if e.deadLetters != nil {
		all, err := e.deadLetters.ListDeadLetters(ctx, deadLetterLimit)
		if err != nil {
			return "", fmt.Errorf("list dead letters: %w", err)
		}
		for _, d := range all {
			if d.TenantID == tenantID {
				dead = append(dead, d)
			}
		}
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	w := &sheetWriter{f: f}
	w.summary(tenant, checkpoint, len(retries), len(dead), e.now())
	w.history(history)
	w.errorRows(history)
	w.retries(sheetRetries, retries)
	w.retries(sheetDeadLetters, dead)
	if w.err != nil {
		return "", w.err
	}

	// лист по умолчанию не нужен
	_ = f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex(sheetSummary); err == nil {
		f.SetActiveSheet(idx)
	}

	name := fmt.Sprintf("triage_%s_%s.xlsx", tenantID, e.now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	e.logger.Info().
		Str("tenant_id", tenantID).
		Str("file_path", path).
		Int("runs", len(history)).
		Int("retries", len(retries)).
		Msg("triage report exported")
	return path, nil
}

// sheetWriter keeps the first error so sheet building reads top to bottom.
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (w *sheetWriter) sheet(name string, headers ...string) {
	if w.err != nil {
		return
	}
	if _, err := w.f.NewSheet(name); err != nil {
		w.err = fmt.Errorf("create sheet %s: %w", name, err)
		return
	}
	if len(headers) == 0 {
		return
	}
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	w.row(name, 1, row...)

	style, err := w.f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = w.f.SetCellStyle(name, "A1", last, style)
	}
	_ = w.f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func (w *sheetWriter) row(sheet string, n int, values ...any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetSheetRow(sheet, cell, &values); err != nil {
		w.err = fmt.Errorf("write %s row %d: %w", sheet, n, err)
	}
}

func (w *sheetWriter) summary(t *models.Tenant, cp *models.SyncCheckpoint, retries, dead int, generated time.Time) {
	w.sheet(sheetSummary)
	rows := [][]any{
		{"Tenant", t.DisplayName()},
		{"Tenant ID", t.ID},
		{"Base URL", t.BaseURL},
		{"Generated at", generated.UTC().Format(timeLayout)},
		{"Last workflow sync", formatTime(cp.LastWorkflowSyncAt)},
		{"Last execution sync", formatTime(cp.LastExecutionSyncAt)},
		{"Last full sync", formatTime(cp.LastFullSyncAt)},
		{"Total syncs", cp.TotalSyncs},
		{"Successful syncs", cp.SuccessfulSyncs},
		{"Failed syncs", cp.FailedSyncs},
		{"Pending retries", retries},
		{"Dead letters", dead},
	}
	for i, r := range rows {
		w.row(sheetSummary, i+1, r...)
	}
	if w.err == nil {
		_ = w.f.SetColWidth(sheetSummary, "A", "A", 22)
		_ = w.f.SetColWidth(sheetSummary, "B", "B", 40)
	}
}

func (w *sheetWriter) history(runs []models.SyncResult) {
	w.sheet(sheetHistory, "Run", "Type", "Status", "Started", "Duration (s)",
		"Workflows", "Executions", "Failed", "API calls", "Errors")
	for i, r := range runs {
		w.row(sheetHistory, i+2,
			r.ID, string(r.Type), string(r.Status), r.StartedAt.UTC().Format(timeLayout),
			r.Duration.Seconds(), r.Workflows.Processed, r.Executions.Processed,
			r.TotalFailed(), r.APICalls, len(r.Errors))
	}
	if w.err == nil {
		_ = w.f.SetColWidth(sheetHistory, "A", "A", 38)
		_ = w.f.SetColWidth(sheetHistory, "B", "J", 14)
		_ = w.f.SetColWidth(sheetHistory, "D", "D", 20)
	}
}

func (w *sheetWriter) errorRows(runs []models.SyncResult) {
	w.sheet(sheetErrors, "Run", "Time", "Entity", "Entity ID", "Message")
	n := 2
	for _, r := range runs {
		for _, e := range r.Errors {
			ts := e.Timestamp
			if ts.IsZero() {
				ts = r.StartedAt
			}
			w.row(sheetErrors, n, r.ID, ts.UTC().Format(timeLayout), string(e.Entity), e.EntityID, e.Message)
			n++
		}
	}
	if w.err == nil {
		_ = w.f.SetColWidth(sheetErrors, "A", "A", 38)
		_ = w.f.SetColWidth(sheetErrors, "B", "D", 20)
		_ = w.f.SetColWidth(sheetErrors, "E", "E", 80)
	}
}

func (w *sheetWriter) retries(name string, entries []models.RetryEntry) {
	w.sheet(name, "Entity", "Entity ID", "Retries", "Next retry", "Last error")
	for i, e := range entries {
		w.row(name, i+2, string(e.EntityType), e.EntityID, e.RetryCount,
			e.NextRetryAt.UTC().Format(timeLayout), e.LastError)
	}
	if w.err == nil {
		_ = w.f.SetColWidth(name, "A", "D", 20)
		_ = w.f.SetColWidth(name, "E", "E", 80)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(timeLayout)
}
