// Package ledger implements the double-entry journal: balanced entries,
// posting, reversal, and balances derived from posted lines. Balances are
// never stored; every query sums the journal.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/corebank/ledgerd/internal/chart"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
)

// Storage tables.
const (
	EntriesTable = "journal_entries"
	LinesTable   = "journal_lines"
	refsTable    = "journal_refs"
	headsTable   = "journal_heads"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Limits is per-account policy configuration. Nil members are unset.
type Limits struct {
	SingleTransaction *money.Value
	Daily             *money.Value
	Monthly           *money.Value
	MinimumBalance    *money.Value
	CreditLimit       *money.Value
	OverdraftLimit    *money.Value
}

// Account is a ledger account. Balances are derived, never stored here.
type Account struct {
	ID           string
	CustomerID   string
	CustomerName string
	ProductID    string
	Currency     string
	Kind         chart.Kind
	Status       AccountStatus
	CreatedAt    time.Time
	Limits       Limits
}

// EntryState is the lifecycle state of a journal entry.
type EntryState string

const (
	StatePending  EntryState = "pending"
	StatePosted   EntryState = "posted"
	StateReversed EntryState = "reversed"
)

// Line is one leg of a journal entry. Exactly one of Debit and Credit is
// nonzero; both carry the line's currency.
type Line struct {
	AccountID   string
	Description string
	Debit       money.Value
	Credit      money.Value
}

// Currency returns the line's currency.
func (l Line) Currency() string {
	if !l.Debit.IsZero() {
		return l.Debit.Currency()
	}
	return l.Credit.Currency()
}

// Entry is a balanced journal entry. Once posted it is immutable; a
// correction posts a new entry whose Reverses points back here.
type Entry struct {
	ID          string
	Reference   string
	Description string
	State       EntryState
	Lines       []Line
	Reverses    string
	ReversedBy  string
	PostedAt    time.Time
	Sequence    uint64
}

// fingerprint identifies an entry's payload for idempotent-replay checks.
func (e *Entry) fingerprint() string {
	type lineKey struct {
		Account string `json:"account"`
		Debit   string `json:"debit"`
		Credit  string `json:"credit"`
	}
	keys := make([]lineKey, len(e.Lines))
	for i, l := range e.Lines {
		keys[i] = lineKey{Account: l.AccountID, Debit: l.Debit.String(), Credit: l.Credit.String()}
	}
	data, _ := json.Marshal(struct {
		Description string    `json:"description"`
		Lines       []lineKey `json:"lines"`
	}{e.Description, keys})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func lineID(entryID string, n int) string {
	return fmt.Sprintf("%s/%03d", entryID, n)
}

func entryToDoc(e *Entry) record.Doc {
	return record.Doc{
		"id":          e.ID,
		"reference":   e.Reference,
		"description": e.Description,
		"state":       string(e.State),
		"reverses":    e.Reverses,
		"reversed_by": e.ReversedBy,
		"posted_at":   e.PostedAt.UTC().Format(time.RFC3339Nano),
		"sequence":    strconv.FormatUint(e.Sequence, 10),
		"line_count":  strconv.Itoa(len(e.Lines)),
	}
}

func lineToDoc(e *Entry, n int) record.Doc {
	l := e.Lines[n]
	return record.Doc{
		"id":                 lineID(e.ID, n),
		"entry_id":           e.ID,
		"line_no":            strconv.Itoa(n),
		"account_id":         l.AccountID,
		"currency":           l.Currency(),
		"debit_minor_units":  l.Debit.MinorUnits(),
		"credit_minor_units": l.Credit.MinorUnits(),
		"description":        l.Description,
		"sequence":           strconv.FormatUint(e.Sequence, 10),
		"posted_at":          e.PostedAt.UTC().Format(time.RFC3339Nano),
	}
}

func docInt64(doc record.Doc, field string) int64 {
	switch v := doc[field].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func docString(doc record.Doc, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docUint64(doc record.Doc, field string) uint64 {
	n, _ := strconv.ParseUint(docString(doc, field), 10, 64)
	return n
}

func docTime(doc record.Doc, field string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, docString(doc, field))
	return t
}

func docToLine(doc record.Doc) Line {
	currency := docString(doc, "currency")
	return Line{
		AccountID:   docString(doc, "account_id"),
		Description: docString(doc, "description"),
		Debit:       money.FromMinorUnits(docInt64(doc, "debit_minor_units"), currency),
		Credit:      money.FromMinorUnits(docInt64(doc, "credit_minor_units"), currency),
	}
}

func docToEntry(doc record.Doc) *Entry {
	return &Entry{
		ID:          doc.ID(),
		Reference:   docString(doc, "reference"),
		Description: docString(doc, "description"),
		State:       EntryState(docString(doc, "state")),
		Reverses:    docString(doc, "reverses"),
		ReversedBy:  docString(doc, "reversed_by"),
		PostedAt:    docTime(doc, "posted_at"),
		Sequence:    docUint64(doc, "sequence"),
	}
}

// AccountsTable is where accounts live; shared with the chart service.
const AccountsTable = chart.AccountsTable

func moneyPtrString(v *money.Value) string {
	if v == nil {
		return ""
	}
	return v.Amount().String()
}

func moneyPtrFromDoc(doc record.Doc, field, currency string) *money.Value {
	s := docString(doc, field)
	if s == "" {
		return nil
	}
	v, err := money.Parse(s, currency)
	if err != nil {
		return nil
	}
	return &v
}

// AccountToDoc serializes an account. Amount fields travel as decimal
// strings, never floats.
func AccountToDoc(a *Account) record.Doc {
	return record.Doc{
		"id":              a.ID,
		"customer_id":     a.CustomerID,
		"customer_name":   a.CustomerName,
		"product_id":      a.ProductID,
		"currency":        a.Currency,
		"kind":            string(a.Kind),
		"status":          string(a.Status),
		"created_at":      a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"limit_single":    moneyPtrString(a.Limits.SingleTransaction),
		"limit_daily":     moneyPtrString(a.Limits.Daily),
		"limit_monthly":   moneyPtrString(a.Limits.Monthly),
		"minimum_balance": moneyPtrString(a.Limits.MinimumBalance),
		"credit_limit":    moneyPtrString(a.Limits.CreditLimit),
		"overdraft_limit": moneyPtrString(a.Limits.OverdraftLimit),
	}
}

// DocToAccount deserializes an account document.
func DocToAccount(doc record.Doc) *Account {
	currency := docString(doc, "currency")
	return &Account{
		ID:           doc.ID(),
		CustomerID:   docString(doc, "customer_id"),
		CustomerName: docString(doc, "customer_name"),
		ProductID:    docString(doc, "product_id"),
		Currency:     currency,
		Kind:         chart.Kind(docString(doc, "kind")),
		Status:       AccountStatus(docString(doc, "status")),
		CreatedAt:    docTime(doc, "created_at"),
		Limits: Limits{
			SingleTransaction: moneyPtrFromDoc(doc, "limit_single", currency),
			Daily:             moneyPtrFromDoc(doc, "limit_daily", currency),
			Monthly:           moneyPtrFromDoc(doc, "limit_monthly", currency),
			MinimumBalance:    moneyPtrFromDoc(doc, "minimum_balance", currency),
			CreditLimit:       moneyPtrFromDoc(doc, "credit_limit", currency),
			OverdraftLimit:    moneyPtrFromDoc(doc, "overdraft_limit", currency),
		},
	}
}
