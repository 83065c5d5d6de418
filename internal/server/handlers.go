package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"lendmirror/internal/store"
)

type accountDTO struct {
	Address      string    `json:"address"`
	Liquidatable bool      `json:"liquidatable"`
	CreatedAt    time.Time `json:"created_at"`
}

type balanceDTO struct {
	Asset     string    `json:"asset"`
	Deposited string    `json:"deposited"`
	Borrowed  string    `json:"borrowed"`
	UpdatedAt time.Time `json:"updated_at"`
}

type assetDTO struct {
	Address       string    `json:"address"`
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol"`
	Decimals      uint8     `json:"decimals"`
	Supported     bool      `json:"supported"`
	TotalDeposits string    `json:"total_deposits"`
	TotalBorrows  string    `json:"total_borrows"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type transactionDTO struct {
	TxHash      string    `json:"tx_hash"`
	Kind        string    `json:"kind"`
	Account     *string   `json:"account,omitempty"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	AmountUSD   string    `json:"amount_usd"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint      `json:"log_index"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type liquidatableDTO struct {
	Accounts    []string  `json:"accounts"`
	Count       int       `json:"count"`
	BlockHeight uint64    `json:"block_height"`
	Timestamp   time.Time `json:"timestamp"`
}

type errorDTO struct {
	Error string `json:"error"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) int {
	addr, ok := pathAddress(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid address")
	}
	a, err := s.store.GetAccount(r.Context(), addr)
	if err == store.ErrNotFound {
		return writeError(w, http.StatusNotFound, "account not found")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("get account failed")
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	return writeJSON(w, http.StatusOK, accountDTO{
		Address:      strings.ToLower(a.Address.Hex()),
		Liquidatable: a.Liquidatable,
		CreatedAt:    a.CreatedAt,
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) int {
	addr, ok := pathAddress(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid address")
	}
	positions, err := s.store.ListAccountAssets(r.Context(), addr)
	if err != nil {
		s.log.Error().Err(err).Msg("list balances failed")
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	out := make([]balanceDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, balanceDTO{
			Asset:     strings.ToLower(p.Asset.Hex()),
			Deposited: bigString(p.Deposited),
			Borrowed:  bigString(p.Borrowed),
			UpdatedAt: p.UpdatedAt,
		})
	}
	return writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountTransactions(w http.ResponseWriter, r *http.Request) int {
	addr, ok := pathAddress(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid address")
	}
	f := txFilterFromQuery(r)
	f.Account = &addr
	return s.listTransactions(w, r, f)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) int {
	return s.listTransactions(w, r, txFilterFromQuery(r))
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, f store.TxFilter) int {
	txs, err := s.store.ListTransactions(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("list transactions failed")
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	out := make([]transactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionToDTO(t))
	}
	return writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) int {
	supportedOnly := r.URL.Query().Get("supported") == "true"
	assets, err := s.store.ListAssets(r.Context(), supportedOnly)
	if err != nil {
		s.log.Error().Err(err).Msg("list assets failed")
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	out := make([]assetDTO, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetDTO{
			Address:       strings.ToLower(a.Address.Hex()),
			Name:          a.Name,
			Symbol:        a.Symbol,
			Decimals:      a.Decimals,
			Supported:     a.Supported,
			TotalDeposits: bigString(a.TotalDeposits),
			TotalBorrows:  bigString(a.TotalBorrows),
			UpdatedAt:     a.UpdatedAt,
		})
	}
	return writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) int {
	hashHex := mux.Vars(r)["hash"]
	if !strings.HasPrefix(hashHex, "0x") || len(hashHex) != 66 {
		return writeError(w, http.StatusBadRequest, "invalid transaction hash")
	}
	t, err := s.store.GetTransaction(r.Context(), common.HexToHash(hashHex))
	if err == store.ErrNotFound {
		return writeError(w, http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("get transaction failed")
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	return writeJSON(w, http.StatusOK, transactionToDTO(t))
}

func (s *Server) handleLiquidatable(w http.ResponseWriter, r *http.Request) int {
	accounts := s.risk.Current()
	hex := make([]string, len(accounts))
	for i, a := range accounts {
		hex[i] = strings.ToLower(a.Hex())
	}
	return writeJSON(w, http.StatusOK, liquidatableDTO{
		Accounts:    hex,
		Count:       len(hex),
		BlockHeight: s.risk.LastHeight(),
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) int {
	if err := s.risk.Run(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("forced recheck failed")
		return writeError(w, http.StatusInternalServerError, "recheck failed")
	}
	return s.handleLiquidatable(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) int {
	return writeJSON(w, http.StatusOK, s.tracker.Status())
}

func transactionToDTO(t store.Transaction) transactionDTO {
	dto := transactionDTO{
		TxHash:      strings.ToLower(t.TxHash.Hex()),
		Kind:        t.Kind,
		Asset:       strings.ToLower(t.Asset.Hex()),
		Amount:      bigString(t.Amount),
		AmountUSD:   t.AmountUSD.String(),
		BlockNumber: t.BlockNumber,
		LogIndex:    t.LogIndex,
		OccurredAt:  t.OccurredAt,
	}
	if t.Account != nil {
		a := strings.ToLower(t.Account.Hex())
		dto.Account = &a
	}
	return dto
}

func txFilterFromQuery(r *http.Request) store.TxFilter {
	q := r.URL.Query()
	var f store.TxFilter
	if v := q.Get("asset"); common.IsHexAddress(v) {
		a := common.HexToAddress(v)
		f.Asset = &a
	}
	if v := q.Get("account"); common.IsHexAddress(v) {
		a := common.HexToAddress(v)
		f.Account = &a
	}
	f.Kind = q.Get("kind")
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}
	return f
}

func pathAddress(r *http.Request) (common.Address, bool) {
	hex := mux.Vars(r)["address"]
	if !common.IsHexAddress(hex) {
		return common.Address{}, false
	}
	return common.HexToAddress(hex), true
}

func bigString(i *big.Int) string {
	if i == nil {
		return "0"
	}
	return i.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
	return status
}

func writeError(w http.ResponseWriter, status int, msg string) int {
	return writeJSON(w, status, errorDTO{Error: msg})
}
