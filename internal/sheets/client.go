// Package sheets appends processed messages to a Google Sheet, one row per
// message id.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"wanote/internal/provider"
	"wanote/internal/retry"
)

type ClientConfig struct {
	SpreadsheetID   string
	Range           string // e.g. "Sheet1!A:O"
	APIBase         string // empty for the public endpoint
	CredentialsFile string
	// HTTPClient must already carry auth. When nil a service-account client
	// is built from CredentialsFile (or Application Default Credentials).
	HTTPClient *http.Client
	// Timeout bounds each attempt, not the whole retry loop.
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *slog.Logger
}

// Client appends rows to and reads one column from a spreadsheet.
type Client struct {
	cfg    ClientConfig
	sheet  string
	values *gsheets.SpreadsheetsValuesService
	logger *slog.Logger
}

func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets: spreadsheet id is required")
	}
	if cfg.Range == "" {
		cfg.Range = "Sheet1!A:O"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		c, err := provider.GoogleClient(ctx, cfg.CredentialsFile, gsheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("sheets credentials: %w", err)
		}
		client = c
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(cfg.APIBase, "/")+"/"))
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	sheet, _, _ := strings.Cut(cfg.Range, "!")
	return &Client{cfg: cfg, sheet: sheet, values: svc.Spreadsheets.Values, logger: cfg.Logger}, nil
}

// Append adds rows after the last row of the configured range. Values are
// stored as entered (RAW), so message text is never parsed as a formula.
func (c *Client) Append(ctx context.Context, rows [][]string) error {
	vr := &gsheets.ValueRange{Range: c.cfg.Range, MajorDimension: "ROWS", Values: toCells(rows)}

	return retry.Do(ctx, c.cfg.Retry, c.logger, "sheets append", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		_, err := c.values.Append(c.cfg.SpreadsheetID, c.cfg.Range, vr).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return classify(err)
	})
}

// ColumnValues returns every cell of column (e.g. "A") on the sheet,
// header included.
func (c *Client) ColumnValues(ctx context.Context, column string) ([]string, error) {
	return c.read(ctx, fmt.Sprintf("%s!%s:%s", c.sheet, column, column), "COLUMNS")
}

// EnsureHeader writes header as the first row when the sheet is empty.
func (c *Client) EnsureHeader(ctx context.Context, header []string) error {
	first, err := c.read(ctx, c.sheet+"!1:1", "ROWS")
	if err != nil {
		return err
	}
	if len(first) > 0 {
		return nil
	}
	c.logger.Info("writing sheet header", "sheet", c.sheet)
	return c.Append(ctx, [][]string{header})
}

func (c *Client) read(ctx context.Context, rng, dimension string) ([]string, error) {
	var vr *gsheets.ValueRange
	err := retry.Do(ctx, c.cfg.Retry, c.logger, "sheets read", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.values.Get(c.cfg.SpreadsheetID, rng).
			MajorDimension(dimension).
			Context(ctx).
			Do()
		if err != nil {
			return classify(err)
		}
		vr = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if vr == nil || len(vr.Values) == 0 {
		return nil, nil
	}
	out := make([]string, len(vr.Values[0]))
	for i, v := range vr.Values[0] {
		out[i] = fmt.Sprint(v)
	}
	return out, nil
}

// classify maps API errors onto the retry taxonomy: 4xx other than 408/429
// are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		se := &retry.StatusError{StatusCode: gerr.Code, Body: gerr.Message}
		if !se.Transient() {
			return retry.Permanent(se)
		}
		return se
	}
	return err
}

func toCells(rows [][]string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		out[i] = cells
	}
	return out
}
