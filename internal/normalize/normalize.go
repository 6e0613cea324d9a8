// Package normalize turns raw CSV records into canonical analytical rows:
// header synonyms resolved, values coerced, dimension fingerprint computed.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons attached to rows that cannot be normalized.
const (
	ReasonMissingDate    = "missing_date"
	ReasonInvalidDate    = "invalid_date"
	ReasonMissingProduct = "missing_product"
	ReasonMissingChannel = "missing_channel"
)

// RejectionError marks a row-level failure; it never fails the whole job.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("row rejected: %s", e.Reason)
}

func reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// Transaction is a normalized sales row.
type Transaction struct {
	Date       time.Time
	Time       string
	Platform   string
	Category   string
	Product    string
	Status     string
	SubID      string
	OrderID    string
	ProductID  string
	Revenue    decimal.Decimal
	Commission decimal.Decimal
	Cost       decimal.Decimal
	Profit     decimal.Decimal
	Quantity   int
	Fingerprint string
	Raw        map[string]string
}

// Click is a normalized click row.
type Click struct {
	Date        time.Time
	Time        string
	Channel     string
	SubID       string
	Clicks      int
	Fingerprint string
	Raw         map[string]string
}

// Normalizer applies the coercion rules row by row. KeepRaw preserves the
// original record keyed by header for audit.
type Normalizer struct {
	KeepRaw bool
}

// Transaction normalizes one sales record against the resolved column map.
func (n Normalizer) Transaction(cols map[Field]int, headers, record []string) (Transaction, error) {
	date, clock, err := n.parseDate(cols, record)
	if err != nil {
		return Transaction{}, err
	}

	product := strings.TrimSpace(cell(record, cols, FieldProduct))
	if product == "" {
		return Transaction{}, reject(ReasonMissingProduct)
	}

	revenue := n.parseAmount(cols, record, FieldRevenue)
	cost := n.parseAmount(cols, record, FieldCost)
	commission := n.parseAmount(cols, record, FieldCommission)

	quantity := 1
	if _, ok := cols[FieldQuantity]; ok {
		if q, qerr := ParseDecimal(cell(record, cols, FieldQuantity)); qerr == nil && q.IsPositive() {
			quantity = int(q.IntPart())
		}
	}

	row := Transaction{
		Date:       date,
		Time:       clock,
		Platform:   strings.TrimSpace(cell(record, cols, FieldPlatform)),
		Category:   strings.TrimSpace(cell(record, cols, FieldCategory)),
		Product:    product,
		Status:     strings.TrimSpace(cell(record, cols, FieldStatus)),
		SubID:      strings.TrimSpace(cell(record, cols, FieldSubID)),
		OrderID:    strings.TrimSpace(cell(record, cols, FieldOrderID)),
		ProductID:  strings.TrimSpace(cell(record, cols, FieldProductID)),
		Revenue:    revenue,
		Commission: commission,
		Cost:       cost,
		Profit:     revenue.Sub(cost).Sub(commission),
		Quantity:   quantity,
	}
	row.Fingerprint = TransactionFingerprint(
		row.Date.Format("2006-01-02"),
		row.Platform, row.Category, row.Product, row.Status,
		row.SubID, row.OrderID, row.ProductID,
	)
	if n.KeepRaw {
		row.Raw = rawRecord(headers, record)
	}
	return row, nil
}

// Click normalizes one click record. A file without a clicks column counts
// one click per line, each line being an event.
func (n Normalizer) Click(cols map[Field]int, headers, record []string) (Click, error) {
	date, clock, err := n.parseDate(cols, record)
	if err != nil {
		return Click{}, err
	}

	channel := strings.TrimSpace(cell(record, cols, FieldChannel))
	if channel == "" {
		channel = strings.TrimSpace(cell(record, cols, FieldPlatform))
	}
	if channel == "" {
		return Click{}, reject(ReasonMissingChannel)
	}

	clicks := 1
	if _, ok := cols[FieldClicks]; ok {
		clicks = 0
		if c, cerr := ParseDecimal(cell(record, cols, FieldClicks)); cerr == nil && c.IsPositive() {
			clicks = int(c.IntPart())
		}
	}

	row := Click{
		Date:    date,
		Time:    clock,
		Channel: channel,
		SubID:   strings.TrimSpace(cell(record, cols, FieldSubID)),
		Clicks:  clicks,
	}
	row.Fingerprint = ClickFingerprint(row.Date.Format("2006-01-02"), row.Channel, row.SubID)
	if n.KeepRaw {
		row.Raw = rawRecord(headers, record)
	}
	return row, nil
}

func (n Normalizer) parseDate(cols map[Field]int, record []string) (time.Time, string, error) {
	raw := cell(record, cols, FieldDate)
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, "", reject(ReasonMissingDate)
	}
	date, clock, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, "", reject(ReasonInvalidDate)
	}
	if clock == "" {
		if t, terr := ParseTime(cell(record, cols, FieldTime)); terr == nil {
			clock = t
		}
	}
	return date, clock, nil
}

// parseAmount returns zero for missing or unparsable values. Negative
// amounts (refund and chargeback rows) clamp to zero too: money columns are
// non-negative downstream, so a refund row still counts without flipping
// the aggregates.
func (n Normalizer) parseAmount(cols map[Field]int, record []string, field Field) decimal.Decimal {
	if _, ok := cols[field]; !ok {
		return decimal.Zero
	}
	value, err := ParseDecimal(cell(record, cols, field))
	if err != nil || value.IsNegative() {
		return decimal.Zero
	}
	return value
}

func cell(record []string, cols map[Field]int, field Field) string {
	idx, ok := cols[field]
	if !ok || idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func rawRecord(headers, record []string) map[string]string {
	raw := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(record) {
			raw[h] = record[i]
		}
	}
	return raw
}
