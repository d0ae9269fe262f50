package handlers

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/wallet"
)

// HandleGetWallet returns the agent's wallet with current-period
// counters.
// GET /api/v1/wallets/{id}
func HandleGetWallet(agents *identity.Service, wallets *wallet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		wl, err := wallets.Get(r.Context(), agent.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not load wallet")
			return
		}
		if wl == nil {
			writeErr(w, http.StatusNotFound, "WALLET_NOT_FOUND", "No wallet found")
			return
		}
		writeJSON(w, http.StatusOK, wl)
	}
}

// HandleTopUp credits the balance.
// POST /api/v1/wallets/{id}/topup
func HandleTopUp(agents *identity.Service, wallets *wallet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		var req struct {
			AmountUSD decimal.Decimal `json:"amount_usd"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}
		if !req.AmountUSD.IsPositive() {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "amount_usd must be positive")
			return
		}

		wl, err := wallets.TopUp(r.Context(), agent.ID, req.AmountUSD)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, wl)
	}
}

// HandleConfigureWallet updates spending limits. Omitted or zero
// fields keep their current value.
// POST /api/v1/wallets/{id}/configure
func HandleConfigureWallet(agents *identity.Service, wallets *wallet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		var req struct {
			DailyLimitUSD   decimal.Decimal `json:"daily_limit_usd"`
			MonthlyLimitUSD decimal.Decimal `json:"monthly_limit_usd"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		wl, err := wallets.Configure(r.Context(), agent.ID, req.DailyLimitUSD, req.MonthlyLimitUSD)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, wl)
	}
}

// HandleFreezeWallet halts all spending and tells the sponsor's
// channels.
// POST /api/v1/wallets/{id}/freeze
func HandleFreezeWallet(agents *identity.Service, wallets *wallet.Service, bridge *events.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := wallets.Freeze(r.Context(), agent.ID); err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not freeze wallet")
			return
		}
		if bridge != nil {
			bridge.WalletFrozen(r.Context(), agent.ID, sp.ID, "Frozen by sponsor")
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "frozen"})
	}
}

// HandleUnfreezeWallet resumes spending.
// POST /api/v1/wallets/{id}/unfreeze
func HandleUnfreezeWallet(agents *identity.Service, wallets *wallet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := wallets.Unfreeze(r.Context(), agent.ID); err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not unfreeze wallet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

// HandleListTransactions returns recent ledger entries, newest first.
// GET /api/v1/wallets/{id}/transactions?limit=
func HandleListTransactions(agents *identity.Service, wallets *wallet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		txs, err := wallets.Transactions(r.Context(), agent.ID, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list transactions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"transactions": txs,
			"total":        len(txs),
		})
	}
}
