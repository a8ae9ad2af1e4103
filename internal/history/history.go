// Package history keeps the transaction ledger and serves queries,
// search, stats, and exports over it.
package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/helix-wallet/helixd/internal/chains"
	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/record"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// TransactionCollection is the record-store collection for the ledger.
const TransactionCollection = "transactions"

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{"date", "type", "amount", "fee", "status", "id", "from", "to"}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	WalletID string
	Chain    string
	Type     wallet.TxType
	Status   wallet.TxStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Stats summarizes an owner's ledger.
type Stats struct {
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	InFlight      int            `json:"inFlight"`
	SuccessRate   float64        `json:"successRate"`
	TotalSent     uint64         `json:"totalSent"`
	TotalReceived uint64         `json:"totalReceived"`
	TotalFees     uint64         `json:"totalFees"`
	ByChain       map[string]int `json:"byChain"`
}

// DetailSource resolves on-chain detail for a settlement-chain
// transaction.
type DetailSource interface {
	GetTransaction(ctx context.Context, txID string) (*chains.TransactionDetail, error)
}

// Service is the transaction history service.
type Service struct {
	store   *record.Store
	details DetailSource
	log     *logging.Logger
}

// NewService creates a history service. details may be nil; detail
// lookups then fail with a typed error.
func NewService(store *record.Store, details DetailSource) *Service {
	return &Service{
		store:   store,
		details: details,
		log:     logging.GetDefault().Component("history"),
	}
}

// RecordTransaction appends a transaction to the ledger and returns its
// assigned id.
func (s *Service) RecordTransaction(ctx context.Context, ownerDID string, tx *wallet.Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}
	if tx.Status == "" {
		tx.Status = wallet.StatusPending
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}

	id, err := s.store.Put(ctx, TransactionCollection, ownerDID, data)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindStorage, "history", "RecordTransaction",
			"failed to persist transaction")
	}

	tx.ID = id
	data, err = json.Marshal(tx)
	if err != nil {
		return "", err
	}
	if err := s.store.Update(ctx, TransactionCollection, id, ownerDID, data); err != nil {
		return "", err
	}

	s.log.Debug("Transaction recorded", "tx_id", id, "chain", tx.Chain, "type", tx.Type)
	return id, nil
}

// UpdateStatus advances a ledger entry along the status state machine.
func (s *Service) UpdateStatus(ctx context.Context, id, ownerDID string, status wallet.TxStatus) error {
	rec, err := s.store.Get(ctx, TransactionCollection, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return walleterr.E(walleterr.KindHistoryRetrieval, "history", "UpdateStatus",
			"transaction not found").WithMeta("tx_id", id)
	}

	tx, err := decodeTransaction(rec)
	if err != nil {
		return err
	}
	if err := tx.AdvanceStatus(status); err != nil {
		return err
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return s.store.Update(ctx, TransactionCollection, id, ownerDID, data)
}

// GetTransactionHistory returns an owner's transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, ownerDID string, f *Filter) ([]*wallet.Transaction, error) {
	records, err := s.store.Query(ctx, TransactionCollection, &record.Filter{Owner: ownerDID})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindHistoryRetrieval, "history", "GetTransactionHistory",
			"ledger query failed")
	}

	txs := make([]*wallet.Transaction, 0, len(records))
	for _, rec := range records {
		tx, err := decodeTransaction(rec)
		if err != nil {
			return nil, err
		}
		if f != nil && !matches(tx, f) {
			continue
		}
		txs = append(txs, tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})

	if f != nil && f.Limit > 0 && len(txs) > f.Limit {
		txs = txs[:f.Limit]
	}
	return txs, nil
}

// SearchTransactions returns an owner's transactions whose id,
// addresses, symbol, invoice, or asset id contain the query,
// case-insensitive.
func (s *Service) SearchTransactions(ctx context.Context, ownerDID, query string) ([]*wallet.Transaction, error) {
	if strings.TrimSpace(query) == "" {
		return nil, walleterr.E(walleterr.KindValidation, "history", "SearchTransactions",
			"search query is empty")
	}

	all, err := s.GetTransactionHistory(ctx, ownerDID, nil)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var out []*wallet.Transaction
	for _, tx := range all {
		for _, field := range []string{tx.ID, tx.FromAddress, tx.ToAddress, tx.Symbol, tx.Invoice, tx.AssetID, tx.ContractAddress} {
			if field != "" && strings.Contains(strings.ToLower(field), needle) {
				out = append(out, tx)
				break
			}
		}
	}
	return out, nil
}

// GetTransactionStats aggregates an owner's ledger. An empty ledger
// yields zero counts and a zero success rate.
func (s *Service) GetTransactionStats(ctx context.Context, ownerDID string) (*Stats, error) {
	txs, err := s.GetTransactionHistory(ctx, ownerDID, nil)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByChain: make(map[string]int)}
	for _, tx := range txs {
		stats.Total++
		stats.ByChain[tx.Chain]++

		switch tx.Status {
		case wallet.StatusCompleted:
			stats.Completed++
			if tx.Type == wallet.TxReceive {
				stats.TotalReceived += tx.Amount
			} else {
				stats.TotalSent += tx.Amount
				stats.TotalFees += tx.FeeAmount
			}
		case wallet.StatusFailed:
			stats.Failed++
		default:
			stats.InFlight++
		}
	}

	// In-flight transactions count against the rate until they settle.
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	return stats, nil
}

// GetTransaction returns a single ledger entry by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (*wallet.Transaction, error) {
	rec, err := s.store.Get(ctx, TransactionCollection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, walleterr.E(walleterr.KindHistoryRetrieval, "history", "GetTransaction",
			"transaction not found").WithMeta("tx_id", id)
	}
	return decodeTransaction(rec)
}

// GetTransactionDetails returns a ledger entry enriched with on-chain
// detail. Only the settlement chain supports detail lookup.
func (s *Service) GetTransactionDetails(ctx context.Context, id string) (*wallet.Transaction, *chains.TransactionDetail, error) {
	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if tx.Chain != chains.ChainBitcoin {
		return tx, nil, walleterr.E(walleterr.KindNotImplemented, "history", "GetTransactionDetails",
			"detail lookup not available for "+tx.Chain).WithMeta("chain", tx.Chain)
	}
	if s.details == nil {
		return tx, nil, walleterr.E(walleterr.KindNotImplemented, "history", "GetTransactionDetails",
			"no detail source configured")
	}

	detail, err := s.details.GetTransaction(ctx, tx.ID)
	if err != nil {
		return tx, nil, err
	}
	return tx, detail, nil
}

// ExportTransactionHistory serializes an owner's ledger. CSV exports
// always carry the header row, even for an empty ledger.
func (s *Service) ExportTransactionHistory(ctx context.Context, ownerDID, format string) ([]byte, error) {
	txs, err := s.GetTransactionHistory(ctx, ownerDID, nil)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatCSV:
		return exportCSV(txs)
	case FormatJSON:
		return json.MarshalIndent(txs, "", "  ")
	default:
		return nil, walleterr.E(walleterr.KindHistoryExport, "history", "ExportTransactionHistory",
			"unsupported export format: "+format).WithMeta("format", format)
	}
}

func exportCSV(txs []*wallet.Transaction) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, tx := range txs {
		row := []string{
			tx.Timestamp.UTC().Format(time.RFC3339),
			string(tx.Type),
			strconv.FormatUint(tx.Amount, 10),
			strconv.FormatUint(tx.FeeAmount, 10),
			string(tx.Status),
			tx.ID,
			tx.FromAddress,
			tx.ToAddress,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindHistoryExport, "history", "ExportTransactionHistory",
			"csv encoding failed")
	}
	return buf.Bytes(), nil
}

func matches(tx *wallet.Transaction, f *Filter) bool {
	if f.WalletID != "" && tx.WalletID != f.WalletID {
		return false
	}
	if f.Chain != "" && tx.Chain != f.Chain {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && tx.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func decodeTransaction(rec *record.Record) (*wallet.Transaction, error) {
	var tx wallet.Transaction
	if err := json.Unmarshal(rec.Data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", rec.ID, err)
	}
	if tx.ID == "" {
		tx.ID = rec.ID
	}
	return &tx, nil
}
