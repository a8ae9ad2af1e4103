package rpc

import (
	"context"
	"encoding/json"
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/fees"
	"github.com/helix-wallet/helixd/internal/history"
	"github.com/helix-wallet/helixd/internal/monitor"
	"github.com/helix-wallet/helixd/internal/wallet"
)

// Wallet handlers

type walletCreateParams struct {
	OwnerDID string   `json:"ownerDid"`
	Name     string   `json:"name"`
	Chains   []string `json:"chains,omitempty"`
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletCreate", "invalid params")
	}

	mcw, err := s.unified.CreateMultiChainWallet(ctx, p.OwnerDID, p.Name, p.Chains)
	if err != nil {
		return nil, err
	}

	if s.wsHub != nil {
		for _, w := range mcw.Wallets {
			s.wsHub.Broadcast(EventWalletCreated, map[string]interface{}{
				"walletId": w.ID,
				"chain":    string(w.Type),
				"address":  w.Address,
			})
		}
	}

	return mcw, nil
}

type ownerParams struct {
	OwnerDID string `json:"ownerDid"`
}

func (s *Server) walletList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ownerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletList", "invalid params")
	}

	wallets, err := s.repo.ListWallets(ctx, p.OwnerDID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"wallets": wallets, "count": len(wallets)}, nil
}

type walletIDParams struct {
	WalletID string `json:"walletId"`
	OwnerDID string `json:"ownerDid,omitempty"`
}

func (s *Server) walletGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletGet", "invalid params")
	}

	return s.repo.GetWallet(ctx, p.WalletID)
}

func (s *Server) walletDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletDelete", "invalid params")
	}

	if err := s.repo.DeleteWallet(ctx, p.WalletID, p.OwnerDID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true, "walletId": p.WalletID}, nil
}

type unlockParams struct {
	OwnerDID string `json:"ownerDid"`
	Password string `json:"password"`
}

func (s *Server) walletUnlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p unlockParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletUnlock", "invalid params")
	}

	if err := s.unified.UnlockWallet(ctx, p.OwnerDID, p.Password); err != nil {
		return nil, err
	}
	return map[string]interface{}{"unlocked": true}, nil
}

func (s *Server) walletLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ownerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletLock", "invalid params")
	}

	s.unified.LockWallet(p.OwnerDID)
	return map[string]interface{}{"locked": true}, nil
}

func (s *Server) walletBalances(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ownerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletBalances", "invalid params")
	}

	return s.unified.GetBalances(ctx, p.OwnerDID)
}

type walletSendParams struct {
	OwnerDID    string              `json:"ownerDid"`
	Transaction *wallet.Transaction `json:"transaction"`
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.Transaction == nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletSend", "invalid params")
	}

	txHash, err := s.unified.SendTransaction(ctx, p.OwnerDID, p.Transaction)
	if err != nil {
		if s.monitor != nil {
			s.publishError(s.monitor.Handle(ctx, err))
		}
		return nil, err
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventTxStatus, map[string]interface{}{
			"id":     p.Transaction.ID,
			"chain":  p.Transaction.Chain,
			"status": string(p.Transaction.Status),
			"txHash": txHash,
		})
	}

	return map[string]interface{}{"txHash": txHash, "id": p.Transaction.ID}, nil
}

func (s *Server) walletMetadata(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletMetadata", "invalid params")
	}

	metadata, err := s.unified.GetDecryptedMetadata(ctx, p.OwnerDID, p.WalletID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"walletId": p.WalletID, "metadata": metadata}, nil
}

func (s *Server) walletBackup(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p unlockParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletBackup", "invalid params")
	}

	backup, err := s.unified.BackupWallets(ctx, p.OwnerDID, p.Password)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"backup": backup}, nil
}

type restoreParams struct {
	OwnerDID string `json:"ownerDid"`
	Password string `json:"password"`
	Backup   string `json:"backup"`
}

func (s *Server) walletRestore(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p restoreParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletRestore", "invalid params")
	}

	restored, err := s.unified.RestoreWallets(ctx, p.OwnerDID, p.Password, p.Backup)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"restored": restored, "count": len(restored)}, nil
}

type contractWalletsParams struct {
	OwnerDID string `json:"ownerDid"`
	Address  string `json:"address,omitempty"`
}

func (s *Server) walletContracts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p contractWalletsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "walletContracts", "invalid params")
	}

	contracts := wallet.NewContractRepository(s.repo)
	if p.Address != "" {
		w, err := contracts.GetByContractAddress(ctx, p.Address)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"wallet": w}, nil
	}

	wallets, err := contracts.ListContractWallets(ctx, p.OwnerDID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"wallets": wallets, "count": len(wallets)}, nil
}

// Chain handlers

func (s *Server) chainsSupported(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"chains": s.coord.SupportedChains()}, nil
}

type validateAddressParams struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

func (s *Server) chainsValidateAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p validateAddressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "chainsValidateAddress", "invalid params")
	}

	svc, err := s.coord.Get(p.Chain)
	if err != nil {
		return nil, err
	}

	valid, err := svc.ValidateAddress(ctx, p.Address)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"chain": p.Chain, "address": p.Address, "valid": valid}, nil
}

// Fee handlers

type feeRecommendationsParams struct {
	Mode string `json:"mode,omitempty"`
}

func (s *Server) feesRecommendations(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p feeRecommendationsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "feesRecommendations", "invalid params")
		}
	}
	mode, err := fees.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}
	return s.fees.Recommendations(ctx, mode)
}

type feeEstimateParams struct {
	Priority     string `json:"priority,omitempty"`
	TargetBlocks int    `json:"targetBlocks,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

func (s *Server) feesEstimate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p feeEstimateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "feesEstimate", "invalid params")
	}
	mode, err := fees.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}

	// Callers name either a priority tier or a raw block target.
	if p.TargetBlocks > 0 {
		if p.Priority != "" {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "feesEstimate",
				"priority and targetBlocks are mutually exclusive")
		}
		return s.fees.EstimateForTarget(ctx, p.TargetBlocks, mode)
	}
	return s.fees.EstimateFee(ctx, fees.Priority(p.Priority), mode)
}

type feeCalculateParams struct {
	Priority string `json:"priority"`
	Mode     string `json:"mode,omitempty"`
	VSize    int64  `json:"vsize"`
}

func (s *Server) feesCalculate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p feeCalculateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "feesCalculate", "invalid params")
	}
	mode, err := fees.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}

	total, err := s.fees.CalculateFee(ctx, fees.Priority(p.Priority), mode, p.VSize)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"priority": p.Priority, "vsize": p.VSize, "totalSats": total}, nil
}

// History handlers

type historyListParams struct {
	OwnerDID string `json:"ownerDid"`
	WalletID string `json:"walletId,omitempty"`
	Chain    string `json:"chain,omitempty"`
	Type     string `json:"type,omitempty"`
	Status   string `json:"status,omitempty"`
	Since    string `json:"since,omitempty"`
	Until    string `json:"until,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) historyList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p historyListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyList", "invalid params")
	}

	f := &history.Filter{
		WalletID: p.WalletID,
		Chain:    p.Chain,
		Type:     wallet.TxType(p.Type),
		Status:   wallet.TxStatus(p.Status),
		Limit:    p.Limit,
	}
	if p.Since != "" {
		t, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyList", "invalid since timestamp")
		}
		f.Since = t
	}
	if p.Until != "" {
		t, err := time.Parse(time.RFC3339, p.Until)
		if err != nil {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyList", "invalid until timestamp")
		}
		f.Until = t
	}

	txs, err := s.history.GetTransactionHistory(ctx, p.OwnerDID, f)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"transactions": txs, "count": len(txs)}, nil
}

type searchParams struct {
	OwnerDID string `json:"ownerDid"`
	Query    string `json:"query"`
}

func (s *Server) historySearch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "historySearch", "invalid params")
	}

	txs, err := s.history.SearchTransactions(ctx, p.OwnerDID, p.Query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"transactions": txs, "count": len(txs)}, nil
}

func (s *Server) historyStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ownerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyStats", "invalid params")
	}

	return s.history.GetTransactionStats(ctx, p.OwnerDID)
}

type detailsParams struct {
	ID string `json:"id"`
}

func (s *Server) historyDetails(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p detailsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyDetails", "invalid params")
	}

	tx, detail, err := s.history.GetTransactionDetails(ctx, p.ID)
	if err != nil && tx == nil {
		return nil, err
	}
	result := map[string]interface{}{"transaction": tx}
	if detail != nil {
		result["onChain"] = detail
	}
	return result, nil
}

type exportParams struct {
	OwnerDID string `json:"ownerDid"`
	Format   string `json:"format"`
}

func (s *Server) historyExport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p exportParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "rpc", "historyExport", "invalid params")
	}

	data, err := s.history.ExportTransactionHistory(ctx, p.OwnerDID, p.Format)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"format": p.Format, "data": string(data)}, nil
}

// Monitor handlers

type eventsParams struct {
	MinSeverity string `json:"minSeverity,omitempty"`
	Category    string `json:"category,omitempty"`
	Since       string `json:"since,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

func (s *Server) monitorEvents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p eventsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "monitorEvents", "invalid params")
		}
	}

	f := &monitor.EventFilter{
		Category: walleterr.Category(p.Category),
		Limit:    p.Limit,
	}
	if p.MinSeverity != "" {
		f.MinSeverity = walleterr.ParseSeverity(p.MinSeverity)
	}
	if p.Since != "" {
		t, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, walleterr.E(walleterr.KindValidation, "rpc", "monitorEvents", "invalid since timestamp")
		}
		f.Since = t
	}

	events, err := s.monitor.Events(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"events": events, "count": len(events)}, nil
}

func (s *Server) monitorCounts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	counts, err := s.monitor.CountsByCategory(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"counts": counts}, nil
}

// publishError pushes an unrecovered error onto the WebSocket feed.
func (s *Server) publishError(err error) {
	if err == nil || s.wsHub == nil {
		return
	}
	werr := walleterr.AsError(err, walleterr.KindTransaction, "rpc", "publishError")
	s.wsHub.Broadcast(EventErrorEvent, map[string]interface{}{
		"kind":     string(werr.Kind),
		"category": string(werr.Category()),
		"severity": werr.Severity.String(),
		"message":  werr.Message,
	})
}
