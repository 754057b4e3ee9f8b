package payroll

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const INTEGRATION_GOOGLE_SHEETS = "google_sheets"

// Spreadsheet column keys.
const (
	COLUMN_NAME     = "name"
	COLUMN_EMAIL    = "email"
	COLUMN_ADDRESS  = "address"
	COLUMN_AMOUNT   = "amount"
	COLUMN_DUE_DATE = "due_date"
)

var columnOrder = []string{COLUMN_NAME, COLUMN_EMAIL, COLUMN_ADDRESS, COLUMN_AMOUNT, COLUMN_DUE_DATE}

// SheetIntegration is stored in the integrations map under google_sheets.
type SheetIntegration struct {
	ID    string `json:"id"`
	Sheet struct {
		Title string `json:"title"`
	} `json:"sheet"`
	// column key -> header text in the sheet
	ColumnMap map[string]string `json:"columnMap"`
}

// SheetRange is one A1 range write.
type SheetRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// SheetSource reads and writes spreadsheet values. See pkg/sheets.
type SheetSource interface {
	Values(ctx context.Context, spreadsheetID, sheetTitle string) ([][]string, error)
	BatchUpdate(ctx context.Context, spreadsheetID string, data []SheetRange) error
}

// ContactService manages contacts and payments, and merges contacts with an
// external spreadsheet.
type ContactService struct {
	storage *Storage
	sheets  SheetSource
	log     *zap.Logger
}

func NewContactService(storage *Storage, sheets SheetSource) *ContactService {
	return &ContactService{storage: storage, sheets: sheets, log: zap.L().Named("contacts")}
}

func (c *ContactService) SaveContacts(ctx context.Context, contacts ...Contact) ([]Contact, error) {
	for _, contact := range contacts {
		if !IsAddress(contact.Address) {
			return nil, UserErr(InvalidWalletAddress)
		}
	}
	saved, err := c.storage.SaveContacts(ctx, contacts)
	if err != nil {
		return nil, UserErr(SaveFailed)
	}
	return saved, nil
}

func (c *ContactService) SavePayments(ctx context.Context, payments ...Payment) ([]Payment, error) {
	for _, p := range payments {
		if !IsAddress(p.Address) {
			return nil, UserErr(InvalidWalletAddress)
		}
		if !p.Amount.IsPositive() {
			return nil, NewErr(BadRequest, "Amount must be greater than zero.")
		}
	}
	saved, err := c.storage.SavePayments(ctx, payments)
	if err != nil {
		return nil, UserErr(SaveFailed)
	}
	return saved, nil
}

// SyncExternal merges the linked spreadsheet's contacts into local contacts
// (local entries win), saves the result and writes it back to the sheet.
func (c *ContactService) SyncExternal(ctx context.Context) ([]Contact, error) {
	integrations, err := c.storage.Integrations(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := integrations[INTEGRATION_GOOGLE_SHEETS]
	if !ok {
		return nil, UserErr(SheetsNoIntegration)
	}
	var sheet SheetIntegration
	if err := json.Unmarshal(raw, &sheet); err != nil || sheet.ID == "" || sheet.Sheet.Title == "" || len(sheet.ColumnMap) == 0 {
		return nil, UserErr(SheetsNoIntegration)
	}
	if c.sheets == nil {
		return nil, UserErr(GoogleConnectFailed)
	}
	rows, err := c.sheets.Values(ctx, sheet.ID, sheet.Sheet.Title)
	if err != nil || len(rows) == 0 {
		if err != nil {
			c.log.Warn("read spreadsheet", zap.String("id", sheet.ID), zap.Error(err))
		}
		return nil, UserErr(SheetsReadFailed)
	}

	local, err := c.storage.Contacts(ctx)
	if err != nil {
		return nil, UserErr(SheetsMergeFailed)
	}
	merged := DeduplicateContacts(append(local, ContactsFromSheet(sheet.ColumnMap, rows)...))
	if err := c.storage.ReplaceContacts(ctx, merged); err != nil {
		return nil, UserErr(SaveFailed)
	}

	updates := SheetUpdatesFromContacts(sheet.Sheet.Title, sheet.ColumnMap, rows[0], merged)
	if len(updates) > 0 {
		if err := c.sheets.BatchUpdate(ctx, sheet.ID, updates); err != nil {
			c.log.Warn("write back spreadsheet", zap.String("id", sheet.ID), zap.Error(err))
		}
	}
	return merged, nil
}

// ContactsFromSheet maps data rows (after the header row) to contacts,
// keeping rows with a valid wallet address.
func ContactsFromSheet(columnMap map[string]string, rows [][]string) []Contact {
	contacts := []Contact{}
	if len(rows) == 0 {
		return contacts
	}
	header := rows[0]
	index := func(key string) int {
		name, ok := columnMap[key]
		if !ok {
			return -1
		}
		for i, h := range header {
			if h == name {
				return i
			}
		}
		return -1
	}
	nameIdx, emailIdx, addrIdx := index(COLUMN_NAME), index(COLUMN_EMAIL), index(COLUMN_ADDRESS)
	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	for _, row := range rows[1:] {
		contact := Contact{
			Name:    cell(row, nameIdx),
			Email:   cell(row, emailIdx),
			Address: cell(row, addrIdx),
		}
		if IsAddress(contact.Address) {
			contacts = append(contacts, contact)
		}
	}
	return contacts
}

// SheetUpdatesFromContacts lays contacts out one per row under the header,
// writing each run of adjacent mapped columns as one range. Mapped columns
// missing from the header are appended after the existing columns.
func SheetUpdatesFromContacts(title string, columnMap map[string]string, columns []string, contacts []Contact) []SheetRange {
	cleaned := append([]string{}, columns...)
	has := func(name string) bool {
		for _, c := range cleaned {
			if c == name {
				return true
			}
		}
		return false
	}
	for _, key := range columnOrder {
		if name, ok := columnMap[key]; ok && !has(name) {
			cleaned = append(cleaned, name)
		}
	}
	position := func(name string) int {
		for i, c := range cleaned {
			if c == name {
				return i
			}
		}
		return -1
	}

	type group struct {
		start, end int
		values     []string
	}
	data := []SheetRange{}
	for row, contact := range contacts {
		var groups []group
		for _, key := range []string{COLUMN_NAME, COLUMN_EMAIL, COLUMN_ADDRESS} {
			name, ok := columnMap[key]
			if !ok {
				continue
			}
			col := position(name)
			value := contactField(contact, key)
			if n := len(groups); n > 0 && col-groups[n-1].end == 1 {
				groups[n-1].end = col
				groups[n-1].values = append(groups[n-1].values, value)
				continue
			}
			groups = append(groups, group{start: col, end: col, values: []string{value}})
		}
		for _, g := range groups {
			cellRange := fmt.Sprintf("%s%d", ColumnToLetter(g.start+1), row+2)
			if g.end != g.start {
				cellRange += fmt.Sprintf(":%s%d", ColumnToLetter(g.end+1), row+2)
			}
			data = append(data, SheetRange{Range: title + "!" + cellRange, Values: [][]string{g.values}})
		}
	}
	return data
}

func contactField(c Contact, key string) string {
	switch key {
	case COLUMN_NAME:
		return c.Name
	case COLUMN_EMAIL:
		return c.Email
	case COLUMN_ADDRESS:
		return c.Address
	}
	return ""
}

// ColumnToLetter converts a 1-based column number to A1 letters.
func ColumnToLetter(column int) string {
	letter := ""
	for column > 0 {
		temp := (column - 1) % 26
		letter = string(rune('A'+temp)) + letter
		column = (column - temp - 1) / 26
	}
	return letter
}

// LetterToColumn converts A1 column letters to a 1-based column number.
func LetterToColumn(letter string) int {
	column := 0
	for _, r := range strings.ToUpper(letter) {
		column = column*26 + int(r-'A'+1)
	}
	return column
}
