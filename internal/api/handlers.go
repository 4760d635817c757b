package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/susu3304/klingbot/internal/db"
	"github.com/susu3304/klingbot/internal/orchestrator"
	"github.com/susu3304/klingbot/internal/yoomoney"
)

type webhookResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleWebhook receives YooMoney payment notifications as JSON or a form
// POST. The webhook path is strict: the signature must verify against the
// configured secret and the currency must be RUB (643).
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log.Printf("webhook: notification received from %s", r.RemoteAddr)

	if !a.limiter.Allow(remoteHost(r)) {
		writeJSON(w, http.StatusTooManyRequests, webhookResponse{Status: "error", Detail: "too many requests"})
		return
	}

	if a.config.YooMoneySecret == "" {
		// Refuse rather than fall back to a payload-supplied secret here;
		// the webhook is reachable by anyone on the network.
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Status: "error", Detail: "notification secret not configured"})
		return
	}

	notice, err := decodeNotification(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Detail: err.Error()})
		return
	}

	userID, balance, err := a.svc.HandlePaymentNotice(r.Context(), notice, true)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidNotice), errors.Is(err, orchestrator.ErrUnresolvedUser):
		log.Printf("webhook: rejected notification: %v", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Detail: "invalid signature or parameters"})
		return
	case err != nil:
		// Ledger failure: answer 500 so the provider retries the delivery.
		log.Printf("webhook: failed to process payment: %v", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Detail: "internal error processing payment"})
		return
	}

	if a.notify != nil {
		if nerr := a.notify(userID, fmt.Sprintf("Платеж получен! Ваш баланс: %d генераций.", balance)); nerr != nil {
			log.Printf("webhook: failed to notify user %d: %v", userID, nerr)
		}
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok"})
}

func decodeNotification(r *http.Request) (yoomoney.Notification, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return yoomoney.Notification{}, fmt.Errorf("invalid JSON body")
		}
		values := url.Values{}
		for key, value := range raw {
			values.Set(key, fmt.Sprint(value))
		}
		return yoomoney.FromValues(values), nil
	}

	if err := r.ParseForm(); err != nil {
		return yoomoney.Notification{}, fmt.Errorf("invalid form body")
	}
	return yoomoney.FromValues(r.PostForm), nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListBalances(w http.ResponseWriter, r *http.Request) {
	if claims := claimsFrom(r); claims != nil {
		log.Printf("api: admin %s (%s) listed balances", claims.Username, claims.UserID)
	}

	records, err := a.db.ListBalances(r.Context(), 100)
	if err != nil {
		log.Printf("api: failed to list balances: %v", err)
		http.Error(w, "failed to list balances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	if claims := claimsFrom(r); claims != nil {
		log.Printf("api: admin %s (%s) read balance for user %d", claims.Username, claims.UserID, userID)
	}

	record, err := a.db.GetBalanceRecord(r.Context(), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, db.BalanceRecord{UserID: userID})
		return
	}
	if err != nil {
		log.Printf("api: failed to read balance for user %d: %v", userID, err)
		http.Error(w, "failed to read balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
