package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"feeledger/internal/core"
	flog "feeledger/internal/log"
)

type SheetsConfig struct {
	SpreadsheetID string
	// CredentialsJSON or CredentialsFile hold a service account key.
	CredentialsJSON string
	CredentialsFile string
}

// SheetsPusher mirrors class reports into tabs of one spreadsheet.
type SheetsPusher struct {
	svc           *gsheet.Service
	spreadsheetID string
}

// NewSheetsPusher builds a Sheets client from service account credentials.
// Extra client options are appended; they may replace the credentials
// entirely, for instance to point the client at a local endpoint.
func NewSheetsPusher(ctx context.Context, cfg SheetsConfig, extra ...goption.ClientOption) (*SheetsPusher, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}

	var opts []goption.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, goption.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		opts = append(opts, goption.WithCredentialsJSON(data))
	case len(extra) == 0:
		return nil, errors.New("missing service account credentials")
	}
	opts = append(opts, goption.WithScopes(gsheet.SpreadsheetsScope))
	opts = append(opts, extra...)

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsPusher{svc: svc, spreadsheetID: cfg.SpreadsheetID}, nil
}

// PushClassSummary replaces the content of the class's report tab, creating
// the tab when it does not exist. It returns the written range.
func (p *SheetsPusher) PushClassSummary(ctx context.Context, sum core.ClassSummary) (string, error) {
	title := sheetTitle(sum)
	if err := p.ensureSheet(ctx, title); err != nil {
		return "", err
	}

	quoted := "'" + strings.ReplaceAll(title, "'", "''") + "'"
	if _, err := p.svc.Spreadsheets.Values.Clear(p.spreadsheetID, quoted, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("clear sheet %s: %w", title, err)
	}

	rows := summaryRows(sum)
	values := make([][]any, len(rows))
	for i, row := range rows {
		values[i] = make([]any, len(row))
		for j, v := range row {
			values[i][j] = v
		}
	}
	rng := fmt.Sprintf("%s!A1", quoted)
	resp, err := p.svc.Spreadsheets.Values.Update(p.spreadsheetID, rng, &gsheet.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("update sheet %s: %w", title, err)
	}

	slog.InfoContext(ctx, "Class summary pushed to spreadsheet",
		flog.FieldComponent, flog.ComponentExport,
		flog.FieldClassID, sum.Class.ID,
		"sheet", title,
		"rows", resp.UpdatedRows)
	return resp.UpdatedRange, nil
}

func (p *SheetsPusher) ensureSheet(ctx context.Context, title string) error {
	ss, err := p.svc.Spreadsheets.Get(p.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == title {
			return nil
		}
	}
	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: title}},
		}},
	}
	if _, err := p.svc.Spreadsheets.BatchUpdate(p.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add sheet %s: %w", title, err)
	}
	return nil
}
