package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary      = "Summary"
	sheetUnreconciled = "Unreconciled"
	sheetPending      = "Pending"
	reportRowLimit    = 5000
)

// ExportReport renders the certification workbook of a period: the blocking
// counters plus the rows behind them.
func (s *Service) ExportReport(ctx context.Context, actor authctx.Actor, id snowflake.ID) ([]byte, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	period, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	blocking, err := s.blocking(ctx, s.db, period)
	if err != nil {
		return nil, err
	}
	txs, err := s.bank.ListUnreconciled(ctx, s.db, bankdomain.UnreconciledFilter{
		TenantID: period.TenantID,
		From:     &period.StartDate,
		To:       &period.EndDate,
		Limit:    reportRowLimit,
	})
	if err != nil {
		return nil, err
	}
	statuses := append(append([]docdomain.Status{}, pendingStatuses...), inFlightStatuses...)
	docs, err := s.docs.ListDated(ctx, s.db, period.TenantID, statuses, period.StartDate, period.EndDate, reportRowLimit)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	summary := [][]any{
		{"Period", period.Label},
		{"Status", string(period.Status)},
		{"Pending validation", blocking.PendingValidation},
		{"In flight", blocking.InFlight},
		{"Unreconciled", blocking.Unreconciled},
	}
	if period.CertifiedAt != nil {
		summary = append(summary, []any{"Certified at", period.CertifiedAt.UTC().Format("2006-01-02 15:04:05")})
		summary = append(summary, []any{"Certified by", period.CertifiedBy})
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(sheetUnreconciled); err != nil {
		return nil, err
	}
	rows := [][]any{{"ID", "Booked at", "Amount", "Currency", "Label", "Counterparty", "Reference"}}
	for _, tx := range txs {
		amount, _ := tx.Amount.Float64()
		rows = append(rows, []any{
			tx.ID.String(),
			tx.BookedAt.UTC().Format("2006-01-02"),
			amount,
			tx.Currency,
			tx.Label,
			tx.Counterparty,
			tx.Reference,
		})
	}
	if err := writeRows(f, sheetUnreconciled, rows); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(sheetPending); err != nil {
		return nil, err
	}
	rows = [][]any{{"ID", "Status", "Type", "Date", "Counterparty", "Invoice number", "Total"}}
	for _, doc := range docs {
		date := doc.CreatedAt
		if doc.DocumentDate != nil {
			date = *doc.DocumentDate
		}
		var total any
		if doc.TotalAmount.Valid {
			total, _ = doc.TotalAmount.Decimal.Float64()
		}
		rows = append(rows, []any{
			doc.ID.String(),
			string(doc.Status),
			string(doc.Type),
			date.UTC().Format("2006-01-02"),
			doc.CounterpartyName,
			doc.InvoiceNumber,
			total,
		})
	}
	if err := writeRows(f, sheetPending, rows); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
