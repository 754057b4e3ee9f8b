package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"
)

// interface guard ensures Client implements payroll.SheetSource
var _ payroll.SheetSource = &Client{}

// Client talks to the Google Sheets v4 values API with an OAuth bearer
// token obtained by the extension.
type Client struct {
	url    string
	token  string
	client *http.Client
}

func NewClient(config payroll.Config) *Client {
	return &Client{
		url:    config.Sheets.URL,
		token:  config.Sheets.Token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken returns a copy of the client using a different access token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type valueRange struct {
	Range  string  `json:"range,omitempty"`
	Values [][]any `json:"values"`
}

type batchUpdateRequest struct {
	ValueInputOption string               `json:"valueInputOption"`
	Data             []payroll.SheetRange `json:"data"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Values reads every cell of a sheet, as formatted strings.
func (c *Client) Values(ctx context.Context, spreadsheetID, sheetTitle string) ([][]string, error) {
	path := fmt.Sprintf("%s/%s/values/%s", c.url, url.PathEscape(spreadsheetID), url.PathEscape(sheetTitle))
	var res valueRange
	if err := c.request(ctx, "GET", path, nil, &res); err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(res.Values))
	for _, row := range res.Values {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell != nil {
				cells[i] = fmt.Sprint(cell)
			}
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// BatchUpdate writes several A1 ranges in one request.
func (c *Client) BatchUpdate(ctx context.Context, spreadsheetID string, data []payroll.SheetRange) error {
	if len(data) == 0 {
		return nil
	}
	path := fmt.Sprintf("%s/%s/values:batchUpdate", c.url, url.PathEscape(spreadsheetID))
	return c.request(ctx, "POST", path, batchUpdateRequest{ValueInputOption: "RAW", Data: data}, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	if c.token == "" {
		return payroll.NewErr(payroll.Unauthorized, "sheets: no access token")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "sheets marshal request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return errors.Wrap(err, "sheets request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return payroll.NewErr(payroll.NotAvailable, "sheets transport: %v", err)
	}
	defer res.Body.Close()
	resBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "sheets read response")
	}
	if res.StatusCode != 200 {
		var apiErr apiError
		json.Unmarshal(resBytes, &apiErr)
		switch res.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return payroll.NewErr(payroll.Unauthorized, "sheets: %s %s", res.Status, apiErr.Error.Message)
		case http.StatusNotFound:
			return payroll.NewErr(payroll.NotFound, "sheets: %s %s", res.Status, apiErr.Error.Message)
		}
		return payroll.NewErr(payroll.NotAvailable, "sheets: %s %s", res.Status, apiErr.Error.Message)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resBytes, result); err != nil {
		return errors.Wrap(err, "sheets unmarshal response")
	}
	return nil
}
